// Package serverapi is the HTTP client for the server endpoints the core
// consumes but never implements: secure-messages listing, by-counter
// fetch, max-counter probing, contact-secrets backups, and vault acks.
package serverapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the secure-messages and contact-secrets-backup endpoints
// this core's Route B consumer and hybrid coordinator depend on.
type Client struct {
	baseURL       string
	accountDigest string
	accountToken  string
	httpClient    *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	AccountDigest string
	AccountToken  string
	Timeout       time.Duration
}

// New builds a Client. A zero Timeout defaults to 10s.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		accountDigest: cfg.AccountDigest,
		accountToken:  cfg.AccountToken,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// SecureMessageItem is one entry of a secure-messages list/by-counter
// response.
type SecureMessageItem struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderDeviceID string `json:"senderDeviceId"`
	Counter        uint32 `json:"counter"`
	Subtype        string `json:"subtype,omitempty"`
	Timestamp      int64  `json:"ts"`
	PacketJSON     []byte `json:"packet"`
}

// ServerKey is the message key the server may attach inline to a
// secure-messages listing when includeKeys=true. Route A decodes it with
// routea.DecodeServerKey as a plain base64 key.
type ServerKey struct {
	MessageKeyB64 string `json:"message_key_b64"`
}

// ListSecureMessagesResult is the response of ListSecureMessages.
type ListSecureMessagesResult struct {
	Items      []SecureMessageItem  `json:"items"`
	Keys       map[string]ServerKey `json:"keys"`
	NextCursor string               `json:"nextCursor"`
}

// ListSecureMessagesParams are the query parameters of the secure-messages
// list endpoint.
type ListSecureMessagesParams struct {
	ConversationID string
	Limit          int
	CursorTS       int64
	CursorID       string
	IncludeKeys    bool
}

// ListSecureMessages fetches a page of secure messages DESC by time.
func (c *Client) ListSecureMessages(ctx context.Context, p ListSecureMessagesParams) (*ListSecureMessagesResult, error) {
	q := url.Values{}
	q.Set("conversationId", p.ConversationID)
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.CursorTS > 0 {
		q.Set("cursorTs", strconv.FormatInt(p.CursorTS, 10))
	}
	if p.CursorID != "" {
		q.Set("cursorId", p.CursorID)
	}
	if p.IncludeKeys {
		q.Set("includeKeys", "true")
	}
	var out ListSecureMessagesResult
	if err := c.getJSON(ctx, "/api/v1/secure-messages", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetByCounter fetches a single message by (conversationId, counter,
// senderDeviceId), used by the gap filler.
func (c *Client) GetByCounter(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) (*SecureMessageItem, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)
	q.Set("counter", strconv.FormatUint(uint64(counter), 10))
	q.Set("senderDeviceId", senderDeviceID)
	var out struct {
		Item SecureMessageItem `json:"item"`
	}
	if err := c.getJSON(ctx, "/api/v1/secure-messages/by-counter", q, &out); err != nil {
		return nil, err
	}
	return &out.Item, nil
}

// MaxCounter probes the server's highest counter for a peer device, used
// for gap planning.
func (c *Client) MaxCounter(ctx context.Context, conversationID, senderDeviceID string) (uint32, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)
	q.Set("senderDeviceId", senderDeviceID)
	var out struct {
		MaxCounter uint32 `json:"maxCounter"`
	}
	if err := c.getJSON(ctx, "/api/v1/max-counter", q, &out); err != nil {
		return 0, err
	}
	return out.MaxCounter, nil
}

// BackupsResponse is the contact-secrets backup listing.
type BackupsResponse struct {
	Backups []json.RawMessage `json:"backups"`
}

// ContactSecretsBackup fetches up to limit contact-secrets backup blobs.
func (c *Client) ContactSecretsBackup(ctx context.Context, limit int) (*BackupsResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out BackupsResponse
	if err := c.getJSON(ctx, "/api/v1/contact-secrets/backup", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VaultAck is the receipt acknowledging vault storage of a message key at
// a given counter. The core does not own the WS connection, so the ack is
// reported through the same HTTP surface as every other call.
type VaultAck struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Counter        uint32 `json:"counter"`
}

// SendVaultAck reports a vault-ack. Callers should log, not fail the job,
// on an ack error.
func (c *Client) SendVaultAck(ctx context.Context, ack VaultAck) error {
	body, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("serverapi: marshal vault ack: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/vault-ack", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("serverapi: build vault ack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("serverapi: vault ack: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("serverapi: vault ack failed: %s", trimBody(resp.Body))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("serverapi: build request: %w", err)
	}
	c.setAuthHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("serverapi: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("serverapi: %s failed: %s", path, trimBody(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("serverapi: %s: decode response: %w", path, err)
	}
	return nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.accountDigest != "" {
		req.Header.Set("X-Account-Digest", c.accountDigest)
	}
	if c.accountToken != "" {
		req.Header.Set("X-Account-Token", c.accountToken)
	}
}

func trimBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	if len(data) == 0 {
		return "(empty body)"
	}
	return strings.TrimSpace(string(data))
}
