// Package engine assembles the secure-messaging client core behind a
// single boot-time handle: configuration, device identity, the local
// stores, the server-API client, structured logging, Prometheus metrics,
// and the rate-capped trace channel. Callers thread the Engine value;
// there is no package-level state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"securecore/internal/coordinator"
	"securecore/internal/cryptocore"
	"securecore/internal/decision"
	"securecore/internal/inbox"
	"securecore/internal/ledger"
	"securecore/internal/observability/logging"
	"securecore/internal/observability/metrics"
	"securecore/internal/routeb"
	"securecore/internal/serverapi"
	"securecore/internal/timeline"
	"securecore/internal/vault"
)

// Engine is the process-wide handle for one device's secure-messaging
// core. Everything that would otherwise be a module-level cache lives
// here.
type Engine struct {
	InstanceID string
	Config     Config
	Device     *cryptocore.Device

	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Trace    *Tracer

	DB       *gorm.DB
	Vault    *vault.Store
	Ledger   *ledger.Store
	Inbox    *inbox.Store
	Timeline *timeline.Store
	Sessions *SessionRegistry

	Server *serverapi.Client
}

// New boots an Engine: opens the local database, migrates every store, and
// wires the server client and observability stack. masterKey scopes the
// vault's key wrapping to this device.
func New(cfg Config, device *cryptocore.Device, masterKey [32]byte) (*Engine, error) {
	logger := logging.New(logging.Config{Component: "securecore", Level: cfg.LogLevel})

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open database: %w", err)
	}

	vaultStore, err := vault.Open(db, masterKey)
	if err != nil {
		return nil, err
	}
	ledgerStore, err := ledger.Open(db)
	if err != nil {
		return nil, err
	}
	inboxStore, err := inbox.Open(db)
	if err != nil {
		return nil, err
	}
	timelineStore, err := timeline.Open(db)
	if err != nil {
		return nil, err
	}
	sessions, err := OpenSessionRegistry(db, logger)
	if err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry, instanceID)

	return &Engine{
		InstanceID: instanceID,
		Config:     cfg,
		Device:     device,
		Logger:     logger,
		Registry:   registry,
		Metrics:    m,
		Trace:      newTracer(logger, m, cfg.TracePerSecond, cfg.TraceBurst),
		DB:         db,
		Vault:      vaultStore,
		Ledger:     ledgerStore,
		Inbox:      inboxStore,
		Timeline:   timelineStore,
		Sessions:   sessions,
		Server: serverapi.New(serverapi.Config{
			BaseURL:       cfg.ServerBaseURL,
			AccountDigest: cfg.AccountDigest,
			AccountToken:  cfg.AccountToken,
			Timeout:       cfg.HTTPTimeout,
		}),
	}, nil
}

// WSIncoming is one message-new event delivered over the transport.
type WSIncoming struct {
	ConversationID    string
	MessageID         string
	PeerAccountDigest string
	PeerDeviceID      string
	Token             string
	Counter           uint32
	PayloadEnvelope   []byte
	IsOnline          bool
}

// HandleWSIncoming runs the live-delivery pipeline for one incoming event:
// gap check against the ledger, the decision table, and — when the
// decision is to trigger live consumption — an inbox enqueue followed by a
// serialized sweep of the conversation's due jobs through the Route-B
// consumer.
func (e *Engine) HandleWSIncoming(ctx context.Context, ev WSIncoming) (decision.Decision, error) {
	localMax, err := e.Ledger.Get(ctx, ev.ConversationID, ev.PeerDeviceID)
	if err != nil {
		return decision.Decision{}, err
	}
	isGap := ev.Counter > localMax+1
	hasLiveJob := ev.ConversationID != "" && ev.MessageID != "" && len(ev.PayloadEnvelope) > 0

	d := decision.Decide(decision.EventWSIncoming, decision.Flags{
		IsOnline:   ev.IsOnline,
		HasLiveJob: hasLiveJob,
		IsGap:      isGap,
	})
	e.Trace.Emit(TraceDecision,
		"conversation", Prefix8(ev.ConversationID),
		"message", Prefix8(ev.MessageID),
		"action", string(d.Action),
		"reason", d.Reason,
	)

	if isGap {
		e.Metrics.GapDetectedTotal.Inc()
		if serverMax, perr := e.Server.MaxCounter(ctx, ev.ConversationID, ev.PeerDeviceID); perr == nil {
			e.Trace.Emit(TraceMaxCounterProbe,
				"action", string(decision.ActionProbeGap),
				"conversation", Prefix8(ev.ConversationID),
				"local_max", localMax,
				"server_max", serverMax,
			)
		}
	}

	if d.Action != decision.ActionTriggerLive {
		return d, nil
	}

	if err := e.Inbox.Enqueue(ctx, inbox.Job{
		ConversationID:    ev.ConversationID,
		MessageID:         ev.MessageID,
		PayloadEnvelope:   ev.PayloadEnvelope,
		Token:             ev.Token,
		PeerAccountDigest: ev.PeerAccountDigest,
	}); err != nil {
		return d, err
	}

	_, err = e.Inbox.ProcessForConversation(ctx, ev.ConversationID, func(ctx context.Context, job inbox.Job) (inbox.Outcome, error) {
		return e.consumeLive(ctx, job, ev.PeerDeviceID, ev.Counter)
	})
	return d, err
}

func (e *Engine) consumeLive(ctx context.Context, job inbox.Job, peerDeviceID string, counter uint32) (inbox.Outcome, error) {
	e.Trace.Emit(TraceLiveRoute,
		"conversation", Prefix8(job.ConversationID),
		"message", Prefix8(job.MessageID),
		"counter", counter,
	)
	res, err := routeb.Consume(ctx, routeb.Input{
		ConversationID:    job.ConversationID,
		MessageID:         job.MessageID,
		Token:             job.Token,
		PeerAccountDigest: job.PeerAccountDigest,
		PeerDeviceID:      peerDeviceID,
		SourceTag:         "ws_incoming",
		Counter:           counter,
	}, e.Sessions, e.fetcher(), e.Vault, e.Timeline, e.Ledger, e.acker())
	if err != nil {
		e.Metrics.RouteDecryptsTotal.WithLabelValues("route_b", "error").Inc()
		if errors.Is(err, cryptocore.ErrSkipLimitExceeded) {
			e.Metrics.SkipLimitExceededTotal.Inc()
		}
		e.Metrics.DeadLetteredTotal.Inc()
		e.Trace.Emit(TraceLiveResult,
			"conversation", Prefix8(job.ConversationID),
			"message", Prefix8(job.MessageID),
			"result", "error",
			"err", err.Error(),
		)
		return inbox.OutcomeCommitted, err
	}
	if res == nil {
		e.Trace.Emit(TraceLiveResult,
			"conversation", Prefix8(job.ConversationID),
			"message", Prefix8(job.MessageID),
			"result", "no_op",
		)
		return inbox.OutcomeCommitted, nil
	}
	e.Metrics.RouteDecryptsTotal.WithLabelValues("route_b", "ok").Inc()
	e.Trace.Emit(TraceLiveResult,
		"conversation", Prefix8(job.ConversationID),
		"message", Prefix8(job.MessageID),
		"result", "ok",
		"counter", res.Counter,
		"vault_put", res.VaultPut,
	)
	e.Trace.Emit(TraceCommitNotify,
		"conversation", Prefix8(job.ConversationID),
		"message", Prefix8(job.MessageID),
		"counter", res.Counter,
	)
	return inbox.OutcomeCommitted, nil
}

// ReplayConversation runs one hybrid reconciliation pass (initial load or
// scroll fetch) for a conversation.
func (e *Engine) ReplayConversation(ctx context.Context, conversationID, peerDeviceID string, limit int) (*coordinator.Result, error) {
	c := &coordinator.Coordinator{
		Source:       e.Server,
		Sessions:     e.Sessions,
		Vault:        e.Vault,
		Ledger:       e.Ledger,
		Timeline:     e.Timeline,
		Ack:          e.acker(),
		SelfDeviceID: e.Config.DeviceID,
	}
	result, err := c.Reconcile(ctx, conversationID, peerDeviceID, limit)
	if err != nil {
		return nil, err
	}
	for _, d := range result.Decrypted {
		e.Metrics.RouteDecryptsTotal.WithLabelValues(d.Route, "ok").Inc()
	}
	for range result.Errors {
		e.Metrics.RouteDecryptsTotal.WithLabelValues("replay", "error").Inc()
	}
	e.Trace.Emit(TraceScrollFetch,
		"conversation", Prefix8(conversationID),
		"decrypted", len(result.Decrypted),
		"errors", len(result.Errors),
		"tombstone_barrier", result.TombstoneBarrier,
	)
	return result, nil
}

func (e *Engine) fetcher() routeb.Fetcher {
	return &counterFetcher{client: e.Server}
}

func (e *Engine) acker() routeb.AckEmitter {
	return &ackEmitter{client: e.Server, trace: e.Trace}
}

// counterFetcher fetches one ciphertext through the by-counter endpoint.
// An item the server answers with but carries no packet body is reported
// as an unsupported event.
type counterFetcher struct {
	client *serverapi.Client
}

func (f *counterFetcher) FetchByID(ctx context.Context, conversationID, messageID string, counter uint32, senderDeviceID string) ([]byte, bool, error) {
	item, err := f.client.GetByCounter(ctx, conversationID, counter, senderDeviceID)
	if err != nil {
		return nil, false, err
	}
	if item == nil || len(item.PacketJSON) == 0 {
		return nil, false, nil
	}
	return item.PacketJSON, true, nil
}

type ackEmitter struct {
	client *serverapi.Client
	trace  *Tracer
}

func (a *ackEmitter) SendVaultAck(ctx context.Context, conversationID, messageID string, counter uint32) error {
	err := a.client.SendVaultAck(ctx, serverapi.VaultAck{
		ConversationID: conversationID,
		MessageID:      messageID,
		Counter:        counter,
	})
	if err != nil {
		a.trace.Emit(TraceCommitNotify,
			"conversation", Prefix8(conversationID),
			"message", Prefix8(messageID),
			"ack_error", err.Error(),
		)
	}
	return err
}
