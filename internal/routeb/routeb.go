// Package routeb implements the live consumer path: fetch one ciphertext,
// advance the Double Ratchet, store the derived message key to the vault,
// append to the timeline, and advance the counter ledger. Every step after
// session acquisition is all-or-nothing for the job; only the vault put is
// logged-but-non-blocking.
package routeb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"securecore/internal/cryptocore"
	"securecore/internal/timeline"
)

// Errors surfaced by Consume. ErrNoSession and the cryptocore sentinels
// are terminal for the job: nothing here is retried with a different key
// or session.
var (
	ErrNoSession        = errors.New("routeb: no session for conversation/device")
	ErrMissingHandshake = errors.New("routeb: first-contact job carries no handshake material")
)

// Sessions is the narrow collaborator interface for acquiring and storing
// a conversation's Double Ratchet session. All mutation of the returned
// state must happen under the caller's conversation lock.
type Sessions interface {
	Get(conversationID, peerDeviceID string) (*cryptocore.SessionState, bool)
	Put(conversationID, peerDeviceID string, s *cryptocore.SessionState)
}

// Fetcher fetches one ciphertext by id. ok=false with err=nil signals the
// fetcher reported an unsupported event; the job becomes a no-op.
type Fetcher interface {
	FetchByID(ctx context.Context, conversationID, messageID string, counter uint32, senderDeviceID string) (packetJSON []byte, ok bool, err error)
}

// VaultPutter stores a derived message key. A Put failure is logged by the
// caller but never fails the overall Consume result.
type VaultPutter interface {
	Put(ctx context.Context, conversationID string, counter uint32, senderDeviceID, messageID string, messageKeyPlain [32]byte, headerDigest string) error
}

// LedgerAdvancer advances the processed-counter high-water mark.
type LedgerAdvancer interface {
	Advance(ctx context.Context, conversationID, senderDeviceID string, counter uint32) error
}

// AckEmitter reports a vault-ack back to the server.
type AckEmitter interface {
	SendVaultAck(ctx context.Context, conversationID, messageID string, counter uint32) error
}

// Input identifies the single message a Consume call processes.
type Input struct {
	ConversationID    string
	MessageID         string
	Token             string
	PeerAccountDigest string
	PeerDeviceID      string
	SourceTag         string
	Counter           uint32

	// FirstContact gates the responder-side X3DH bootstrap
	// (cryptocore.AcceptSession). It must be explicitly set by a
	// designated first-contact flow; a plain session-lookup miss never
	// falls back to this path.
	FirstContact bool
	SelfDevice   *cryptocore.Device
}

// Result is the outcome of a successful Consume.
type Result struct {
	Plaintext []byte
	Counter   uint32
	VaultPut  bool // false means the vault write failed; logged, non-blocking
}

// handshakeMeta is the shape a first-contact packet's header.meta carries
// its X3DH handshake material under. The header schema reserves no
// dedicated wire field for handshakes, so it rides in the generic meta
// map.
type handshakeMeta struct {
	IdentityKeyB64          string  `json:"identity_key_b64"`
	IdentitySignatureKeyB64 string  `json:"identity_signature_key_b64"`
	EphemeralKeyB64         string  `json:"ephemeral_key_b64"`
	OneTimePrekeyID         *uint32 `json:"one_time_prekey_id,omitempty"`
}

// Consume runs the Route-B sequence. appender lets the hybrid coordinator
// pass timeline.NoOpAppender{} for a shadow advance, so the ratchet state
// catches up without duplicating a timeline entry.
func Consume(ctx context.Context, in Input, sessions Sessions, fetcher Fetcher, vault VaultPutter, appender timeline.Appender, ledger LedgerAdvancer, ack AckEmitter) (*Result, error) {
	packet, ok, err := fetcher.FetchByID(ctx, in.ConversationID, in.MessageID, in.Counter, in.PeerDeviceID)
	if err != nil {
		return nil, fmt.Errorf("routeb: fetch: %w", err)
	}
	if !ok {
		return nil, nil // NO_OP: fetcher reported an unsupported event
	}

	session, found := sessions.Get(in.ConversationID, in.PeerDeviceID)
	if !found {
		if !in.FirstContact {
			return nil, ErrNoSession
		}
		session, err = bootstrapFirstContact(in, packet)
		if err != nil {
			return nil, err
		}
	}

	plaintext, header, messageKey, err := cryptocore.DecryptReturningKey(session, packet)
	if err != nil {
		return nil, err
	}
	sessions.Put(in.ConversationID, in.PeerDeviceID, session)

	vaultPut := false
	headerDigest := base64.StdEncoding.EncodeToString(cryptocore.CanonicalHeaderBytes(header))
	if perr := vault.Put(ctx, in.ConversationID, header.N, in.PeerDeviceID, in.MessageID, messageKey, headerDigest); perr == nil {
		vaultPut = true
	}

	entry := timeline.Entry{
		ConversationID: in.ConversationID,
		Counter:        header.N,
		SenderDeviceID: in.PeerDeviceID,
		MessageID:      in.MessageID,
		Plaintext:      plaintext,
		Route:          "route_b",
	}
	if err := appender.AppendBatch(ctx, []timeline.Entry{entry}); err != nil {
		return nil, fmt.Errorf("routeb: timeline append: %w", err)
	}

	if err := ledger.Advance(ctx, in.ConversationID, in.PeerDeviceID, header.N); err != nil {
		return nil, fmt.Errorf("routeb: ledger advance: %w", err)
	}

	if ack != nil {
		_ = ack.SendVaultAck(ctx, in.ConversationID, in.MessageID, header.N)
	}

	return &Result{Plaintext: plaintext, Counter: header.N, VaultPut: vaultPut}, nil
}

// bootstrapFirstContact runs the X3DH responder path against handshake
// material carried in the packet's header.meta, gated entirely to an
// explicit FirstContact flag.
func bootstrapFirstContact(in Input, packet []byte) (*cryptocore.SessionState, error) {
	if in.SelfDevice == nil {
		return nil, ErrNoSession
	}
	header, err := cryptocore.ParseHeader(packet)
	if err != nil {
		return nil, err
	}
	raw, ok := header.Meta["x3dh_handshake"]
	if !ok {
		return nil, ErrMissingHandshake
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, ErrMissingHandshake
	}
	var hm handshakeMeta
	if err := json.Unmarshal(blob, &hm); err != nil {
		return nil, ErrMissingHandshake
	}
	hs, err := decodeHandshake(hm)
	if err != nil {
		return nil, err
	}
	return cryptocore.AcceptSession(in.SelfDevice, hs)
}

func decodeHandshake(hm handshakeMeta) (*cryptocore.HandshakeMessage, error) {
	identity, err := decode32(hm.IdentityKeyB64)
	if err != nil {
		return nil, ErrMissingHandshake
	}
	sigKey, err := base64.StdEncoding.DecodeString(hm.IdentitySignatureKeyB64)
	if err != nil {
		return nil, ErrMissingHandshake
	}
	eph, err := decode32(hm.EphemeralKeyB64)
	if err != nil {
		return nil, ErrMissingHandshake
	}
	return &cryptocore.HandshakeMessage{
		IdentityKey:          identity,
		IdentitySignatureKey: sigKey,
		EphemeralKey:         eph,
		OneTimePrekeyID:      hm.OneTimePrekeyID,
	}, nil
}

func decode32(s string) ([32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("routeb: expected 32 bytes")
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}
