// Package coordinator implements the hybrid reconciliation flow: gap-aware
// fetch planning, the tombstone pre-scan barrier, placeholder injection,
// and the sequential Route-A-first, shadow-advance, Route-B-fallback
// processing loop. Every collaborator is an explicit interface threaded
// through the Coordinator value.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"securecore/internal/routea"
	"securecore/internal/routeb"
	"securecore/internal/serverapi"
	"securecore/internal/timeline"
)

// GapFillCap is the largest range a single planning pass will backfill by
// counter.
const GapFillCap = 50

const gapFillBuffer = 5

const tombstoneSubtype = "conversation-deleted"

// MessageSource is the subset of internal/serverapi.Client the coordinator
// depends on for listing, gap-fill, and max-counter probing.
type MessageSource interface {
	ListSecureMessages(ctx context.Context, p serverapi.ListSecureMessagesParams) (*serverapi.ListSecureMessagesResult, error)
	GetByCounter(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) (*serverapi.SecureMessageItem, error)
	MaxCounter(ctx context.Context, conversationID, senderDeviceID string) (uint32, error)
}

// Ledger is the narrow view of internal/ledger.Store the coordinator needs.
type Ledger interface {
	Get(ctx context.Context, conversationID, senderDeviceID string) (uint32, error)
	Advance(ctx context.Context, conversationID, senderDeviceID string, counter uint32) error
}

// VaultStore is the narrow view of internal/vault.Store Route A needs for
// key lookup.
type VaultStore interface {
	Get(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) (key [32]byte, ok bool, err error)
	Put(ctx context.Context, conversationID string, counter uint32, senderDeviceID, messageID string, messageKeyPlain [32]byte, headerDigest string) error
}

// Coordinator bundles every collaborator the hybrid flow needs: message
// source, session store, vault, ledger, timeline sink, and ack emitter.
type Coordinator struct {
	Source       MessageSource
	Sessions     routeb.Sessions
	Vault        VaultStore
	Ledger       Ledger
	Timeline     timeline.Appender
	Ack          routeb.AckEmitter
	SelfDeviceID string
}

// Plan is the output of the planning step.
type Plan struct {
	LocalMax   uint32
	ServerMax  uint32
	Gap        uint32
	FetchLimit int
	IsGapFetch bool
}

// PlanGap computes the gap between the local high-water mark and the
// peer's server-reported max counter, sizing the fetch to cover it.
func (c *Coordinator) PlanGap(ctx context.Context, conversationID, peerDeviceID string, requestedLimit int) (Plan, error) {
	serverMax, err := c.Source.MaxCounter(ctx, conversationID, peerDeviceID)
	if err != nil {
		return Plan{}, fmt.Errorf("coordinator: probe max counter: %w", err)
	}
	localMax, err := c.Ledger.Get(ctx, conversationID, peerDeviceID)
	if err != nil {
		return Plan{}, fmt.Errorf("coordinator: read ledger: %w", err)
	}
	gap := uint32(0)
	if serverMax > localMax {
		gap = serverMax - localMax
	}
	fetchLimit := requestedLimit
	if want := int(gap) + gapFillBuffer; want > fetchLimit {
		fetchLimit = want
	}
	return Plan{
		LocalMax:   localMax,
		ServerMax:  serverMax,
		Gap:        gap,
		FetchLimit: fetchLimit,
		IsGapFetch: gap > 0,
	}, nil
}

// Decrypted is a successfully surfaced item, tagged with which route
// ultimately supplied its plaintext.
type Decrypted struct {
	Item      serverapi.SecureMessageItem
	Plaintext []byte
	Route     string // "route_a" or "route_b_then_a"
}

// ProcessError records a per-item failure that does not abort sibling
// processing. The failure stays surfaced, never masked.
type ProcessError struct {
	Item   serverapi.SecureMessageItem
	Reason string
	Err    error
}

// Placeholder is a UI ordering stand-in emitted, before decryption, for
// every item that survives the tombstone barrier. Control items are not
// filtered out here and get a placeholder too.
type Placeholder struct {
	Counter  uint32
	Outgoing bool
}

// Result is the full reconciliation output for one fetch pass.
type Result struct {
	Decrypted        []Decrypted
	Errors           []ProcessError
	Placeholders     []Placeholder
	TombstoneBarrier uint32 // 0 means no tombstone was present in this batch
}

// Reconcile runs the full hybrid algorithm against conversationID/
// peerDeviceID: plan, fetch, gap-fill, tombstone barrier, placeholder
// injection, and the sequential Route-A/shadow-advance/Route-B loop.
func (c *Coordinator) Reconcile(ctx context.Context, conversationID, peerDeviceID string, requestedLimit int) (*Result, error) {
	plan, err := c.PlanGap(ctx, conversationID, peerDeviceID, requestedLimit)
	if err != nil {
		return nil, err
	}

	listed, err := c.Source.ListSecureMessages(ctx, serverapi.ListSecureMessagesParams{
		ConversationID: conversationID,
		Limit:          plan.FetchLimit,
		IncludeKeys:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: list secure messages: %w", err)
	}

	items := listed.Items
	if plan.IsGapFetch {
		filled, err := c.fillGap(ctx, conversationID, peerDeviceID, items, plan.LocalMax)
		if err != nil {
			return nil, err
		}
		items = mergeDedupe(items, filled)
	}

	items, barrier := applyTombstoneBarrier(items)

	result := &Result{TombstoneBarrier: barrier}
	for _, item := range items {
		result.Placeholders = append(result.Placeholders, Placeholder{
			Counter:  item.Counter,
			Outgoing: item.SenderDeviceID == c.SelfDeviceID,
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Counter < items[j].Counter })

	fetched := make(map[string][]byte, len(items))
	for _, it := range items {
		fetched[it.MessageID] = it.PacketJSON
	}

	for _, item := range items {
		c.processItem(ctx, item, listed.Keys, fetched, plan.LocalMax, result)
	}

	sort.Slice(result.Decrypted, func(i, j int) bool { return result.Decrypted[i].Item.Counter > result.Decrypted[j].Item.Counter })
	return result, nil
}

func (c *Coordinator) processItem(ctx context.Context, item serverapi.SecureMessageItem, serverKeys map[string]serverapi.ServerKey, fetched map[string][]byte, localMax uint32, result *Result) {
	isOutgoing := item.SenderDeviceID == c.SelfDeviceID

	decRes := routea.Batch(ctx, []routea.Item{toRouteAItem(item)}, c.vaultLookup, serverKeys, routea.DecodeServerKey)

	if len(decRes.Items) == 1 {
		result.Decrypted = append(result.Decrypted, Decrypted{Item: item, Plaintext: decRes.Items[0].Plaintext, Route: "route_a"})
		if !isOutgoing {
			c.shadowAdvance(ctx, item, fetched)
		}
		return
	}

	if isOutgoing {
		// Route B is never attempted for outgoing items; a Route A
		// miss is recorded as an error.
		result.Errors = append(result.Errors, toProcessError(item, decRes))
		return
	}

	failure := decRes.Errors[0]
	isGapMessage := failure.Reason == routea.ReasonControlSkip && item.Counter > localMax
	if failure.Reason == routea.ReasonControlSkip && !isGapMessage {
		return // genuine control traffic: silently skipped, not an error
	}

	fetcher := mapFetcher(fetched)
	_, err := routeb.Consume(ctx, routeb.Input{
		ConversationID: item.ConversationID,
		MessageID:      item.MessageID,
		PeerDeviceID:   item.SenderDeviceID,
		Counter:        item.Counter,
	}, c.Sessions, fetcher, c.Vault, c.Timeline, c.Ledger, c.Ack)
	if err != nil {
		result.Errors = append(result.Errors, ProcessError{Item: item, Reason: "route_b_failed", Err: err})
		return
	}

	// Re-issue Route A to populate decrypted content from the now-present
	// vault key.
	retry := routea.Batch(ctx, []routea.Item{toRouteAItem(item)}, c.vaultLookup, serverKeys, routea.DecodeServerKey)
	if len(retry.Items) == 1 {
		result.Decrypted = append(result.Decrypted, Decrypted{Item: item, Plaintext: retry.Items[0].Plaintext, Route: "route_b_then_a"})
	} else {
		result.Errors = append(result.Errors, toProcessError(item, retry))
	}
}

// shadowAdvance runs the Route-B sequence against an item Route A already
// surfaced, using a no-op timeline adapter so the Double Ratchet catches up
// without duplicating a timeline entry. Its error is discarded: a failure
// here is neither logged nor recorded in the Result, and is never fatal to
// the reconciliation pass.
func (c *Coordinator) shadowAdvance(ctx context.Context, item serverapi.SecureMessageItem, fetched map[string][]byte) {
	fetcher := mapFetcher(fetched)
	_, _ = routeb.Consume(ctx, routeb.Input{
		ConversationID: item.ConversationID,
		MessageID:      item.MessageID,
		PeerDeviceID:   item.SenderDeviceID,
		Counter:        item.Counter,
	}, c.Sessions, fetcher, c.Vault, timeline.NoOpAppender{}, c.Ledger, nil)
}

func (c *Coordinator) vaultLookup(ctx context.Context, conversationID string, counter uint32, senderDeviceID string) ([32]byte, bool, error) {
	return c.Vault.Get(ctx, conversationID, counter, senderDeviceID)
}

// fillGap fetches the missing counter range between the local high-water
// mark and the earliest counter the initial page returned, in parallel,
// bounded by GapFillCap.
func (c *Coordinator) fillGap(ctx context.Context, conversationID, peerDeviceID string, items []serverapi.SecureMessageItem, localMax uint32) ([]serverapi.SecureMessageItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	minFetched := items[0].Counter
	for _, it := range items[1:] {
		if it.Counter < minFetched {
			minFetched = it.Counter
		}
	}
	if minFetched <= localMax+1 {
		return nil, nil
	}
	upper := minFetched - 1
	if ceiling := localMax + GapFillCap; upper > ceiling {
		upper = ceiling
	}

	var (
		mu     sync.Mutex
		filled []serverapi.SecureMessageItem
	)
	g, gctx := errgroup.WithContext(ctx)
	for counter := localMax + 1; counter <= upper; counter++ {
		counter := counter
		g.Go(func() error {
			item, err := c.Source.GetByCounter(gctx, conversationID, counter, peerDeviceID)
			if err != nil {
				return fmt.Errorf("coordinator: gap fill counter %d: %w", counter, err)
			}
			mu.Lock()
			filled = append(filled, *item)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filled, nil
}

func toRouteAItem(item serverapi.SecureMessageItem) routea.Item {
	return routea.Item{
		ConversationID: item.ConversationID,
		MessageID:      item.MessageID,
		SenderDeviceID: item.SenderDeviceID,
		Counter:        item.Counter,
		PacketJSON:     item.PacketJSON,
	}
}

func toProcessError(item serverapi.SecureMessageItem, res routea.Result) ProcessError {
	if len(res.Errors) == 0 {
		return ProcessError{Item: item, Reason: "unknown"}
	}
	f := res.Errors[0]
	return ProcessError{Item: item, Reason: string(f.Reason), Err: f.Err}
}

// applyTombstoneBarrier enforces the pre-scan barrier: items at or below the lowest "conversation-deleted" tombstone's counter
// are dropped entirely, suppressing both placeholder injection and decrypt
// attempts.
func applyTombstoneBarrier(items []serverapi.SecureMessageItem) ([]serverapi.SecureMessageItem, uint32) {
	barrier := uint32(0)
	found := false
	for _, it := range items {
		if it.Subtype == tombstoneSubtype {
			if !found || it.Counter < barrier {
				barrier = it.Counter
				found = true
			}
		}
	}
	if !found {
		return items, 0
	}
	out := make([]serverapi.SecureMessageItem, 0, len(items))
	for _, it := range items {
		if it.Counter <= barrier {
			continue
		}
		out = append(out, it)
	}
	return out, barrier
}

func mergeDedupe(a, b []serverapi.SecureMessageItem) []serverapi.SecureMessageItem {
	seen := make(map[string]bool, len(a))
	out := make([]serverapi.SecureMessageItem, 0, len(a)+len(b))
	for _, it := range a {
		if !seen[it.MessageID] {
			seen[it.MessageID] = true
			out = append(out, it)
		}
	}
	for _, it := range b {
		if !seen[it.MessageID] {
			seen[it.MessageID] = true
			out = append(out, it)
		}
	}
	return out
}

type mapFetcher map[string][]byte

func (m mapFetcher) FetchByID(ctx context.Context, conversationID, messageID string, counter uint32, senderDeviceID string) ([]byte, bool, error) {
	packet, ok := m[messageID]
	return packet, ok, nil
}
