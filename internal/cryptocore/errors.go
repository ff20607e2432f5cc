package cryptocore

import "errors"

// Protocol-fatal errors. Each terminates processing of the single message
// that triggered it; none is ever retried with different key material.
var (
	ErrBadPeerBundle      = errors.New("cryptocore: bad peer prekey bundle")
	ErrBadHeader          = errors.New("cryptocore: bad message header")
	ErrSkippedKeyMissing  = errors.New("cryptocore: skipped message key missing")
	ErrSkipLimitExceeded  = errors.New("cryptocore: skip limit exceeded")
	ErrAeadFailed         = errors.New("cryptocore: aead open failed")
	ErrVaultKeyConflict   = errors.New("cryptocore: vault key conflict")
	ErrNoSession          = errors.New("cryptocore: no session for conversation")
	ErrMissingOneTimeKey  = errors.New("cryptocore: missing one-time prekey")
	ErrInvalidRemoteKey   = errors.New("cryptocore: invalid remote ratchet key")
	ErrHistoryShardsFull  = errors.New("cryptocore: history shard capacity exceeded")
)
