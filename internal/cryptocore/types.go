package cryptocore

import "crypto/ed25519"

// Resource caps enforced as hard protocol errors. DESIGN.md records the
// chosen values and their rationale.
const (
	MaxSkipPerChain  = 1000
	MaxSkipTotal     = 2000
	MaxHistoryShards = 5
)

type SessionRole int

const (
	RoleInitiator SessionRole = iota
	RoleResponder
)

// Device holds a device's long-term identity and prekey material. It is the
// X3DH participant: the conversation-independent half of the handshake.
type Device struct {
	identity     identityKeyPair
	signedPrekey keyPair
	signedSig    []byte
	oneTime      map[uint32]oneTimeEntry
	nextOTKID    uint32
}

type identityKeyPair struct {
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
	dhPrivate      [32]byte
	dhPublic       [32]byte
}

type keyPair struct {
	Private [32]byte
	Public  [32]byte
}

type oneTimeEntry struct {
	key keyPair
}

// PrekeyBundle is the public material a peer publishes for others to
// initiate a session against.
type PrekeyBundle struct {
	IdentityKey          [32]byte
	IdentitySignatureKey []byte
	SignedPrekey         [32]byte
	SignedPrekeySig      []byte
	OneTimePrekeys       []OneTimePrekey
}

type OneTimePrekey struct {
	ID     uint32
	Public [32]byte
}

// HandshakeMessage is the initiator public material attached to the first
// outgoing ciphertext's header.
type HandshakeMessage struct {
	IdentityKey          [32]byte
	IdentitySignatureKey []byte
	EphemeralKey         [32]byte
	OneTimePrekeyID      *uint32
}

type chainState struct {
	Key     [32]byte
	Counter uint32
}

// historyShard records a receiving chain replaced by a DH ratchet step:
// its ratchet public, chain key, and the counter it stopped at after its
// outstanding range was deposited into the skipped store. Shards let a
// late message addressed to a superseded chain be recognized as such (its
// key comes from the skipped store or nowhere) instead of triggering a DH
// step against a stale remote key. Capacity is MaxHistoryShards; overflow
// is a hard protocol error.
type historyShard struct {
	TheirRatchetPub [32]byte
	ChainKey        [32]byte
	Counter         uint32
}

// SessionState is the per-conversation, per-peer-device Double Ratchet
// state. All mutation happens under the caller's conversation lock; the
// core itself does not lock.
type SessionState struct {
	RootKey [32]byte

	SendChain chainState
	RecvChain chainState

	MyRatchetPrivate [32]byte
	MyRatchetPublic  [32]byte
	TheirRatchetPub  [32]byte

	PN   uint32
	Role SessionRole

	PendingPrekey *uint32

	// skipped maps (their_ratchet_pub, counter) -> message key. A single
	// chain advance may deposit at most MaxSkipPerChain keys; the map as a
	// whole holds at most MaxSkipTotal.
	skipped map[skippedKeyID][32]byte

	// history is a bounded record of prior receiving chains, most recent
	// last, retained so messages addressed to a superseded ratchet public
	// are recognized and never mistaken for a fresh DH ratchet trigger.
	history []historyShard
}

type skippedKeyID struct {
	RatchetPub [32]byte
	Counter    uint32
}

// MessageHeader is the typed, validated form of the wire header. Parsing
// untyped JSON into this type is where header validation happens.
type MessageHeader struct {
	DR       bool
	Version  int
	DeviceID string
	EKPub    [32]byte
	PN       uint32
	N        uint32
	Meta     map[string]any
}

// AcceptedHeaderVersions is the set of header.v values the core accepts.
var AcceptedHeaderVersions = map[int]bool{1: true}
