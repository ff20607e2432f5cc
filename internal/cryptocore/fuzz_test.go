package cryptocore

import (
	"bytes"
	"testing"
)

func FuzzDecryptHeaderMutation(f *testing.F) {
	f.Add(uint32(0), uint32(0), []byte("payload"))
	f.Add(uint32(5), uint32(1), []byte{})
	f.Fuzz(func(t *testing.T, n, pn uint32, payload []byte) {
		restore := UseDeterministicRandom(bytes.NewReader(bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 512)))
		defer restore()

		alice, err := GenerateIdentityKeypair()
		if err != nil {
			t.Fatalf("alice identity: %v", err)
		}
		bob, err := GenerateIdentityKeypair()
		if err != nil {
			t.Fatalf("bob identity: %v", err)
		}
		bundle, err := bob.PublishPrekeyBundle(4)
		if err != nil {
			t.Fatalf("bundle: %v", err)
		}
		aliceSess, handshake, err := InitSession(alice, bundle)
		if err != nil {
			t.Fatalf("init: %v", err)
		}
		bobSess, err := AcceptSession(bob, handshake)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}

		seed, err := Encrypt(aliceSess, "alice-device", []byte("seed"))
		if err != nil {
			t.Fatalf("seed encrypt: %v", err)
		}
		if _, err := Decrypt(bobSess, seed); err != nil {
			_ = err
		}

		wire, err := Encrypt(aliceSess, "alice-device", payload)
		if err != nil {
			t.Fatalf("encrypt payload: %v", err)
		}

		// Decrypt must never panic on an arbitrary header, whatever
		// n/pn the fuzzer picks or however the wire bytes are sliced.
		if n%2 == 0 && len(wire) > 0 {
			idx := int(n) % len(wire)
			mutated := append([]byte(nil), wire...)
			mutated[idx] ^= 0xff
			_, _ = Decrypt(bobSess, mutated)
			return
		}
		_, _ = Decrypt(bobSess, wire)
	})
}

func FuzzDecodeWirePacket(f *testing.F) {
	f.Add([]byte(`{"header":{"dr":true,"v":1,"device_id":"d","ek_pub_b64":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=","pn":0,"n":0},"aead":"aes-256-gcm","iv_b64":"AAAAAAAAAAAAAAAA","ciphertext_b64":"AAAA"}`))
	f.Fuzz(func(t *testing.T, raw []byte) {
		// decodeWirePacket must never panic regardless of input shape.
		_, _, _, _ = decodeWirePacket(raw)
	})
}
