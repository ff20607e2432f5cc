package serverapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"securecore/internal/serverapi"
)

func newClient(t *testing.T, handler http.HandlerFunc) *serverapi.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return serverapi.New(serverapi.Config{
		BaseURL:       srv.URL,
		AccountDigest: "digest-1",
		AccountToken:  "token-1",
	})
}

func TestListSecureMessagesSendsParamsAndAuth(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/secure-messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("conversationId") != "conv-1" || q.Get("limit") != "25" || q.Get("includeKeys") != "true" {
			t.Errorf("unexpected query %v", q)
		}
		if r.Header.Get("X-Account-Digest") != "digest-1" || r.Header.Get("X-Account-Token") != "token-1" {
			t.Errorf("missing auth headers")
		}
		_, _ = w.Write([]byte(`{"items":[{"messageId":"m1","conversationId":"conv-1","senderDeviceId":"bob","counter":4}],"keys":{"m1":{"message_key_b64":"abc"}},"nextCursor":"c2"}`))
	})

	res, err := client.ListSecureMessages(context.Background(), serverapi.ListSecureMessagesParams{
		ConversationID: "conv-1",
		Limit:          25,
		IncludeKeys:    true,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Counter != 4 {
		t.Fatalf("unexpected items %+v", res.Items)
	}
	if res.Keys["m1"].MessageKeyB64 != "abc" {
		t.Fatalf("unexpected keys %+v", res.Keys)
	}
	if res.NextCursor != "c2" {
		t.Fatalf("unexpected cursor %q", res.NextCursor)
	}
}

func TestMaxCounter(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/max-counter" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"maxCounter":17}`))
	})
	max, err := client.MaxCounter(context.Background(), "conv-1", "bob")
	if err != nil {
		t.Fatalf("max counter: %v", err)
	}
	if max != 17 {
		t.Fatalf("got %d want 17", max)
	}
}

func TestGetByCounter(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("counter") != "9" || q.Get("senderDeviceId") != "bob" {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`{"item":{"messageId":"m9","conversationId":"conv-1","senderDeviceId":"bob","counter":9}}`))
	})
	item, err := client.GetByCounter(context.Background(), "conv-1", 9, "bob")
	if err != nil {
		t.Fatalf("by counter: %v", err)
	}
	if item.MessageID != "m9" || item.Counter != 9 {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestErrorBodyIsTrimmedIntoError(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("  conversation not found\n"))
	})
	_, err := client.MaxCounter(context.Background(), "conv-x", "bob")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "conversation not found") {
		t.Fatalf("error should carry the trimmed body, got %v", err)
	}
}

func TestSendVaultAckPostsJSON(t *testing.T) {
	var gotBody string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/vault-ack" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusNoContent)
	})
	err := client.SendVaultAck(context.Background(), serverapi.VaultAck{
		ConversationID: "conv-1",
		MessageID:      "m1",
		Counter:        3,
	})
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !strings.Contains(gotBody, `"counter":3`) {
		t.Fatalf("unexpected body %q", gotBody)
	}
}
