// Package routea implements the vault-backed replay decryptor: batch
// decrypt using already-known message keys (vault first, then
// server-supplied keys), never advancing the Double Ratchet.
package routea

import (
	"context"
	"encoding/base64"
	"fmt"

	"securecore/internal/cryptocore"
	"securecore/internal/serverapi"
)

// Reason is a Route A failure classification.
type Reason string

const (
	ReasonVaultMissing Reason = "vault_missing"
	ReasonBadHeader    Reason = "bad_header"
	ReasonDecryptFail  Reason = "decrypt_fail"
	ReasonControlSkip  Reason = "control_skip"
)

// controlSubtypes are header.meta "msg_type" values that are control
// traffic, never user content. conversation-deleted is the
// tombstone and is handled by the coordinator's pre-scan barrier, not
// classified as a skip here, since it still carries a counter the
// coordinator must see.
var controlSubtypes = map[string]bool{
	"contact-share":    true,
	"control":          true,
	"transient-signal": true,
}

// KeySource looks up an already-known message key for an item, without
// deriving one. The coordinator's vaultLookup implements this against the
// vault; on a miss, Batch falls back to server-supplied keys.
type KeySource func(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) (key [32]byte, ok bool, err error)

// Item is one fetched ciphertext entry to attempt via Route A.
type Item struct {
	ConversationID string
	MessageID      string
	SenderDeviceID string
	Counter        uint32
	PacketJSON     []byte
}

// Decrypted is a successfully Route-A-decrypted item.
type Decrypted struct {
	Item      Item
	Header    cryptocore.MessageHeader
	Plaintext []byte
}

// Failure records a classified Route A failure for one item.
type Failure struct {
	Item   Item
	Reason Reason
	Err    error
}

// Result is the output of Batch: decrypted items and classified failures.
// Route A never mutates any SessionState.
type Result struct {
	Items  []Decrypted
	Errors []Failure
}

// Batch attempts every item via Route A. serverKeys maps message_id to an
// inline key the server attached to the listing response; vaultLookup is
// tried first for every item.
func Batch(ctx context.Context, items []Item, vaultLookup KeySource, serverKeys map[string]serverapi.ServerKey, unwrapServerKey func(b64 string) ([32]byte, error)) Result {
	var result Result
	for _, item := range items {
		header, err := cryptocore.ParseHeader(item.PacketJSON)
		if err != nil {
			result.Errors = append(result.Errors, Failure{Item: item, Reason: ReasonBadHeader, Err: err})
			continue
		}
		if subtype, _ := header.Meta["msg_type"].(string); controlSubtypes[subtype] {
			result.Errors = append(result.Errors, Failure{Item: item, Reason: ReasonControlSkip})
			continue
		}

		key, ok, err := vaultLookup(ctx, item.ConversationID, item.Counter, item.SenderDeviceID)
		if err != nil {
			result.Errors = append(result.Errors, Failure{Item: item, Reason: ReasonVaultMissing, Err: err})
			continue
		}
		if !ok {
			if sk, present := serverKeys[item.MessageID]; present && unwrapServerKey != nil {
				key, err = unwrapServerKey(sk.MessageKeyB64)
				if err != nil {
					result.Errors = append(result.Errors, Failure{Item: item, Reason: ReasonVaultMissing, Err: err})
					continue
				}
				ok = true
			}
		}
		if !ok {
			result.Errors = append(result.Errors, Failure{Item: item, Reason: ReasonVaultMissing})
			continue
		}

		plaintext, _, err := cryptocore.DecryptWithKey(item.PacketJSON, key)
		if err != nil {
			result.Errors = append(result.Errors, Failure{Item: item, Reason: ReasonDecryptFail, Err: err})
			continue
		}
		result.Items = append(result.Items, Decrypted{Item: item, Header: header, Plaintext: plaintext})
	}
	return result
}

// DecodeServerKey decodes a message key attached inline to a
// secure-messages listing as a plain base64 32-byte key. No master-key
// unwrap is applied: a key wrapped under the device master key is longer
// than 32 bytes and is rejected, so Batch classifies the item as
// vault_missing. The decode is kept separate from vault.Store's unwrap so
// routea has no dependency on the vault's master key.
func DecodeServerKey(b64 string) ([32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("routea: bad server key encoding")
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}
