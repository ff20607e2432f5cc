package coordinator_test

import (
	"context"
	"testing"

	"securecore/internal/coordinator"
	"securecore/internal/cryptocore"
	"securecore/internal/serverapi"
	"securecore/internal/timeline"
)

type fakeSource struct {
	items     []serverapi.SecureMessageItem
	byCounter map[uint32]serverapi.SecureMessageItem
	maxCtr    uint32
	keys      map[string]serverapi.ServerKey
}

func (f *fakeSource) ListSecureMessages(ctx context.Context, p serverapi.ListSecureMessagesParams) (*serverapi.ListSecureMessagesResult, error) {
	return &serverapi.ListSecureMessagesResult{Items: f.items, Keys: f.keys}, nil
}

func (f *fakeSource) GetByCounter(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) (*serverapi.SecureMessageItem, error) {
	item := f.byCounter[counter]
	return &item, nil
}

func (f *fakeSource) MaxCounter(ctx context.Context, conversationID, senderDeviceID string) (uint32, error) {
	return f.maxCtr, nil
}

type fakeSessions struct {
	sessions map[string]*cryptocore.SessionState
}

func (f *fakeSessions) Get(conv, device string) (*cryptocore.SessionState, bool) {
	s, ok := f.sessions[conv+"|"+device]
	return s, ok
}

func (f *fakeSessions) Put(conv, device string, s *cryptocore.SessionState) {
	f.sessions[conv+"|"+device] = s
}

type fakeVault struct {
	keys map[string][32]byte
}

func vaultKey(conv string, counter uint32, device string) string {
	return conv + "|" + device + "|" + string(rune(counter))
}

func (f *fakeVault) Get(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) ([32]byte, bool, error) {
	k, ok := f.keys[vaultKey(conversationID, counter, senderDeviceID)]
	return k, ok, nil
}

func (f *fakeVault) Put(ctx context.Context, conversationID string, counter uint32, senderDeviceID, messageID string, key [32]byte, digest string) error {
	if f.keys == nil {
		f.keys = make(map[string][32]byte)
	}
	f.keys[vaultKey(conversationID, counter, senderDeviceID)] = key
	return nil
}

type fakeLedger struct {
	values map[string]uint32
}

func ledgerKey(conv, device string) string { return conv + "|" + device }

func (f *fakeLedger) Get(ctx context.Context, conversationID, senderDeviceID string) (uint32, error) {
	return f.values[ledgerKey(conversationID, senderDeviceID)], nil
}

func (f *fakeLedger) Advance(ctx context.Context, conversationID, senderDeviceID string, counter uint32) error {
	if f.values == nil {
		f.values = make(map[string]uint32)
	}
	f.values[ledgerKey(conversationID, senderDeviceID)] = counter
	return nil
}

// buildPacket encrypts one real Route-B-decryptable wire packet on
// bobSession, which the caller sets up with a genuine X3DH handshake the
// same way routeb_test's setupSessionPair does. Each call advances
// bobSession, so a second call produces the next counter.
func buildPacket(t *testing.T, bobSession *cryptocore.SessionState, plaintext string) []byte {
	t.Helper()
	packet, err := cryptocore.Encrypt(bobSession, "bob-device", []byte(plaintext))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return packet
}

func TestReconcileRouteAHitSkipsRouteB(t *testing.T) {
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
	packet := buildPacket(t, bobSession, "hello")
	aliceSession, err := cryptocore.AcceptSession(alice, handshake)
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}

	_, parsedHeader, msgKey, err := cryptocore.DecryptReturningKey(aliceSession, packet)
	if err != nil {
		t.Fatalf("prime route-a vault entry: %v", err)
	}

	vault := &fakeVault{keys: map[string][32]byte{
		vaultKey("conv-1", parsedHeader.N, "bob-device"): msgKey,
	}}

	// Re-accept a fresh session so the live Decrypt above doesn't leave the
	// coordinator's session store already advanced past this message --
	// Route A must work purely from the vault, untouched by DR state.
	aliceSessionForRouteA, err := cryptocore.AcceptSession(alice, handshake)
	if err != nil {
		t.Fatalf("re-accept session: %v", err)
	}
	sessions := &fakeSessions{sessions: map[string]*cryptocore.SessionState{
		"conv-1|bob-device": aliceSessionForRouteA,
	}}

	item := serverapi.SecureMessageItem{
		MessageID:      "m1",
		ConversationID: "conv-1",
		SenderDeviceID: "bob-device",
		Counter:        parsedHeader.N,
		PacketJSON:     packet,
	}
	source := &fakeSource{items: []serverapi.SecureMessageItem{item}, maxCtr: parsedHeader.N}
	ledger := &fakeLedger{}

	c := &coordinator.Coordinator{
		Source:       source,
		Sessions:     sessions,
		Vault:        vault,
		Ledger:       ledger,
		Timeline:     timeline.NoOpAppender{},
		SelfDeviceID: "alice-device",
	}

	result, err := c.Reconcile(context.Background(), "conv-1", "bob-device", 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(result.Decrypted) != 1 {
		t.Fatalf("expected 1 decrypted item, got %d (errors=%+v)", len(result.Decrypted), result.Errors)
	}
	if string(result.Decrypted[0].Plaintext) != "hello" {
		t.Fatalf("got plaintext %q", result.Decrypted[0].Plaintext)
	}
	if result.Decrypted[0].Route != "route_a" {
		t.Fatalf("expected route_a, got %s", result.Decrypted[0].Route)
	}
}

func TestReconcileTombstoneBarrierSuppressesOlderItems(t *testing.T) {
	items := []serverapi.SecureMessageItem{
		{MessageID: "old", ConversationID: "conv-1", SenderDeviceID: "bob-device", Counter: 1, PacketJSON: []byte(`{}`)},
		{MessageID: "tomb", ConversationID: "conv-1", SenderDeviceID: "bob-device", Counter: 2, Subtype: "conversation-deleted", PacketJSON: []byte(`{}`)},
		{MessageID: "new", ConversationID: "conv-1", SenderDeviceID: "bob-device", Counter: 3, PacketJSON: []byte(`{}`)},
	}
	source := &fakeSource{items: items, maxCtr: 3}
	c := &coordinator.Coordinator{
		Source:       source,
		Sessions:     &fakeSessions{sessions: map[string]*cryptocore.SessionState{}},
		Vault:        &fakeVault{},
		Ledger:       &fakeLedger{},
		Timeline:     timeline.NoOpAppender{},
		SelfDeviceID: "alice-device",
	}
	result, err := c.Reconcile(context.Background(), "conv-1", "bob-device", 10)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.TombstoneBarrier != 2 {
		t.Fatalf("expected barrier 2, got %d", result.TombstoneBarrier)
	}
	for _, ph := range result.Placeholders {
		if ph.Counter <= 2 {
			t.Fatalf("placeholder for suppressed counter %d leaked through", ph.Counter)
		}
	}
	for _, e := range result.Errors {
		if e.Item.MessageID == "old" {
			t.Fatalf("suppressed item %q should never reach processing", e.Item.MessageID)
		}
	}
}

func TestPlanGapComputesFetchLimitFromGap(t *testing.T) {
	source := &fakeSource{maxCtr: 100}
	ledger := &fakeLedger{values: map[string]uint32{"conv-1|bob-device": 90}}
	c := &coordinator.Coordinator{Source: source, Ledger: ledger}
	plan, err := c.PlanGap(context.Background(), "conv-1", "bob-device", 20)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.IsGapFetch {
		t.Fatalf("expected gap fetch")
	}
	if plan.Gap != 10 {
		t.Fatalf("expected gap 10, got %d", plan.Gap)
	}
	if plan.FetchLimit != 20 {
		t.Fatalf("expected fetch limit to stay at requested 20 (gap+5=15 < 20), got %d", plan.FetchLimit)
	}
}
