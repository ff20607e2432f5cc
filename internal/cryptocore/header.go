package cryptocore

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
)

// wireHeader is the on-the-wire JSON shape of a message header.
// MessageHeader is the validated, typed form; decodeHeader never returns a
// MessageHeader without having run the full validation rule set.
type wireHeader struct {
	DR       bool           `json:"dr"`
	V        int            `json:"v"`
	DeviceID string         `json:"device_id"`
	EKPubB64 string         `json:"ek_pub_b64"`
	PN       uint32         `json:"pn"`
	N        uint32         `json:"n"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// wirePacket is the envelope carried over the transport: header,
// AEAD algorithm tag, IV, and ciphertext, all base64 where binary.
type wirePacket struct {
	Header        wireHeader `json:"header"`
	AEAD          string     `json:"aead"`
	IVB64         string     `json:"iv_b64"`
	CiphertextB64 string     `json:"ciphertext_b64"`
}

const aeadAlgorithm = "aes-256-gcm"

// decodeHeader parses and validates a wire header. Any violation (an
// unaccepted version, empty device id, or a ratchet public key that is not
// 32 bytes) is reported as ErrBadHeader; this function never returns
// a partially-valid MessageHeader.
func decodeHeader(raw wireHeader) (MessageHeader, error) {
	if !AcceptedHeaderVersions[raw.V] {
		return MessageHeader{}, ErrBadHeader
	}
	if raw.DeviceID == "" {
		return MessageHeader{}, ErrBadHeader
	}
	ekPub, err := b64dec(raw.EKPubB64)
	if err != nil || len(ekPub) != 32 {
		return MessageHeader{}, ErrBadHeader
	}
	var h MessageHeader
	h.DR = raw.DR
	h.Version = raw.V
	h.DeviceID = raw.DeviceID
	copy(h.EKPub[:], ekPub)
	h.PN = raw.PN
	h.N = raw.N
	h.Meta = raw.Meta
	return h, nil
}

func encodeHeader(h MessageHeader) wireHeader {
	return wireHeader{
		DR:       h.DR,
		V:        h.Version,
		DeviceID: h.DeviceID,
		EKPubB64: base64.StdEncoding.EncodeToString(h.EKPub[:]),
		PN:       h.PN,
		N:        h.N,
		Meta:     h.Meta,
	}
}

// decodeWirePacket parses a full wire packet, validating both the header
// and the AEAD algorithm tag; anything but aes-256-gcm is rejected.
func decodeWirePacket(raw []byte) (MessageHeader, [ivSize]byte, []byte, error) {
	var wp wirePacket
	if err := json.Unmarshal(raw, &wp); err != nil {
		return MessageHeader{}, [ivSize]byte{}, nil, ErrBadHeader
	}
	if wp.AEAD != aeadAlgorithm {
		return MessageHeader{}, [ivSize]byte{}, nil, ErrBadHeader
	}
	h, err := decodeHeader(wp.Header)
	if err != nil {
		return MessageHeader{}, [ivSize]byte{}, nil, err
	}
	ivBytes, err := b64dec(wp.IVB64)
	if err != nil || len(ivBytes) != ivSize {
		return MessageHeader{}, [ivSize]byte{}, nil, ErrBadHeader
	}
	var iv [ivSize]byte
	copy(iv[:], ivBytes)
	ciphertext, err := b64dec(wp.CiphertextB64)
	if err != nil {
		return MessageHeader{}, [ivSize]byte{}, nil, ErrBadHeader
	}
	return h, iv, ciphertext, nil
}

func encodeWirePacket(h MessageHeader, iv [ivSize]byte, ciphertext []byte) []byte {
	wp := wirePacket{
		Header:        encodeHeader(h),
		AEAD:          aeadAlgorithm,
		IVB64:         b64enc(iv[:]),
		CiphertextB64: b64enc(ciphertext),
	}
	out, _ := json.Marshal(wp)
	return out
}

// ParseHeader validates and returns the header of a wire packet without
// touching any session state. The replay decryptor uses this to classify an
// item (control-type skip, counter for gap comparison) before it ever
// attempts a key lookup.
func ParseHeader(raw []byte) (MessageHeader, error) {
	var wp wirePacket
	if err := json.Unmarshal(raw, &wp); err != nil {
		return MessageHeader{}, ErrBadHeader
	}
	if wp.AEAD != aeadAlgorithm {
		return MessageHeader{}, ErrBadHeader
	}
	return decodeHeader(wp.Header)
}

// DecryptWithKey opens a wire packet using an already-known message key,
// never deriving it from or mutating any SessionState.
// This is the vault-backed decrypt path; it must never be used to advance
// the Double Ratchet.
func DecryptWithKey(raw []byte, key [32]byte) ([]byte, MessageHeader, error) {
	h, iv, ciphertext, err := decodeWirePacket(raw)
	if err != nil {
		return nil, MessageHeader{}, err
	}
	pt, err := aeadOpen(key, iv, ciphertext, canonicalAAD(h))
	if err != nil {
		return nil, h, ErrAeadFailed
	}
	return pt, h, nil
}

// CanonicalHeaderBytes exposes canonicalAAD for callers (the vault's
// header_digest field) that need a deterministic
// binding to a header without performing an AEAD operation themselves.
func CanonicalHeaderBytes(h MessageHeader) []byte {
	return canonicalAAD(h)
}

// canonicalAAD builds the additional authenticated data bound to every
// ciphertext: the device and ratchet-position fields of the header, in a
// fixed binary layout so AAD is independent of JSON key ordering.
func canonicalAAD(h MessageHeader) []byte {
	buf := make([]byte, 0, len(h.DeviceID)+4+4+4+32+1)
	buf = append(buf, byte(h.Version))
	if h.DR {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, []byte(h.DeviceID)...)
	buf = binary.BigEndian.AppendUint32(buf, h.PN)
	buf = binary.BigEndian.AppendUint32(buf, h.N)
	buf = append(buf, h.EKPub[:]...)
	return buf
}
