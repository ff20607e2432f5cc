package vault

import "errors"

var (
	// ErrKeyConflict is returned by Put when an entry already exists for
	// (conversationID, counter, senderDeviceID) with a different plaintext
	// message key. Put is otherwise idempotent.
	ErrKeyConflict = errors.New("vault: key conflict on re-put")

	// ErrEntryUnusable marks a backup entry missing one of the required
	// DR-state fields.
	ErrEntryUnusable = errors.New("vault: backup entry missing required dr-state field")
)
