package routea_test

import (
	"context"
	"encoding/base64"
	"testing"

	"securecore/internal/cryptocore"
	"securecore/internal/routea"
	"securecore/internal/serverapi"
)

// buildPacket runs a real handshake and returns one wire packet plus the
// message key that decrypts it, so Route A can be exercised without ever
// touching live ratchet state.
func buildPacket(t *testing.T, plaintext string) (packet []byte, msgKey [32]byte, counter uint32) {
	t.Helper()
	alice, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	bundle, err := alice.PublishPrekeyBundle(0)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	bob, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	bobSession, handshake, err := cryptocore.InitSession(bob, bundle)
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	packet, err = cryptocore.Encrypt(bobSession, "bob-device", []byte(plaintext))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	aliceSession, err := cryptocore.AcceptSession(alice, handshake)
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	_, header, key, err := cryptocore.DecryptReturningKey(aliceSession, packet)
	if err != nil {
		t.Fatalf("derive message key: %v", err)
	}
	return packet, key, header.N
}

func emptyVault(ctx context.Context, conv string, counter uint32, device string) ([32]byte, bool, error) {
	return [32]byte{}, false, nil
}

func TestBatchDecryptsFromVaultKey(t *testing.T) {
	packet, key, counter := buildPacket(t, "replayed")
	vault := func(ctx context.Context, conv string, c uint32, device string) ([32]byte, bool, error) {
		if conv == "conv-1" && c == counter && device == "bob-device" {
			return key, true, nil
		}
		return [32]byte{}, false, nil
	}
	res := routea.Batch(context.Background(), []routea.Item{{
		ConversationID: "conv-1",
		MessageID:      "m1",
		SenderDeviceID: "bob-device",
		Counter:        counter,
		PacketJSON:     packet,
	}}, vault, nil, nil)
	if len(res.Items) != 1 || len(res.Errors) != 0 {
		t.Fatalf("expected 1 item 0 errors, got %d/%d", len(res.Items), len(res.Errors))
	}
	if string(res.Items[0].Plaintext) != "replayed" {
		t.Fatalf("got plaintext %q", res.Items[0].Plaintext)
	}
}

func TestBatchFallsBackToServerKey(t *testing.T) {
	packet, key, counter := buildPacket(t, "server key path")
	serverKeys := map[string]serverapi.ServerKey{
		"m1": {MessageKeyB64: base64.StdEncoding.EncodeToString(key[:])},
	}
	res := routea.Batch(context.Background(), []routea.Item{{
		ConversationID: "conv-1",
		MessageID:      "m1",
		SenderDeviceID: "bob-device",
		Counter:        counter,
		PacketJSON:     packet,
	}}, emptyVault, serverKeys, routea.DecodeServerKey)
	if len(res.Items) != 1 {
		t.Fatalf("expected server-key decrypt, errors=%+v", res.Errors)
	}
}

func TestBatchClassifiesMissingKey(t *testing.T) {
	packet, _, counter := buildPacket(t, "nobody has the key")
	res := routea.Batch(context.Background(), []routea.Item{{
		ConversationID: "conv-1",
		MessageID:      "m1",
		SenderDeviceID: "bob-device",
		Counter:        counter,
		PacketJSON:     packet,
	}}, emptyVault, nil, nil)
	if len(res.Errors) != 1 || res.Errors[0].Reason != routea.ReasonVaultMissing {
		t.Fatalf("expected vault_missing, got %+v", res.Errors)
	}
}

func TestBatchClassifiesWrongKeyAsDecryptFail(t *testing.T) {
	packet, key, counter := buildPacket(t, "tamper target")
	key[0] ^= 0xFF
	vault := func(ctx context.Context, conv string, c uint32, device string) ([32]byte, bool, error) {
		return key, true, nil
	}
	res := routea.Batch(context.Background(), []routea.Item{{
		ConversationID: "conv-1",
		MessageID:      "m1",
		SenderDeviceID: "bob-device",
		Counter:        counter,
		PacketJSON:     packet,
	}}, vault, nil, nil)
	if len(res.Errors) != 1 || res.Errors[0].Reason != routea.ReasonDecryptFail {
		t.Fatalf("expected decrypt_fail, got %+v", res.Errors)
	}
}

func TestBatchClassifiesBadHeader(t *testing.T) {
	res := routea.Batch(context.Background(), []routea.Item{{
		ConversationID: "conv-1",
		MessageID:      "m1",
		SenderDeviceID: "bob-device",
		PacketJSON:     []byte(`{"aead":"chacha20-poly1305"}`),
	}}, emptyVault, nil, nil)
	if len(res.Errors) != 1 || res.Errors[0].Reason != routea.ReasonBadHeader {
		t.Fatalf("expected bad_header, got %+v", res.Errors)
	}
}

func TestBatchSkipsControlTraffic(t *testing.T) {
	alice, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	bundle, err := alice.PublishPrekeyBundle(0)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	bob, err := cryptocore.GenerateIdentityKeypair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	bobSession, _, err := cryptocore.InitSession(bob, bundle)
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
	packet, err := cryptocore.EncryptWithMeta(bobSession, "bob-device", []byte("x"), map[string]any{"msg_type": "contact-share"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	res := routea.Batch(context.Background(), []routea.Item{{
		ConversationID: "conv-1",
		MessageID:      "m1",
		SenderDeviceID: "bob-device",
		PacketJSON:     packet,
	}}, emptyVault, nil, nil)
	if len(res.Errors) != 1 || res.Errors[0].Reason != routea.ReasonControlSkip {
		t.Fatalf("expected control_skip, got %+v", res.Errors)
	}
}
