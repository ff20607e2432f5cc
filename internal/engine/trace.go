package engine

import (
	"log/slog"

	"golang.org/x/time/rate"

	"securecore/internal/observability/metrics"
)

// Trace channel names. Each channel carries structured records about one
// stage of the delivery pipeline; identifiers are logged as 8-char
// prefixes, never full values, and secret material never reaches a trace.
const (
	TraceLiveRoute       = "liveMvpRouteTrace"
	TraceLiveResult      = "liveMvpResultTrace"
	TraceDecision        = "decisionTrace"
	TraceScrollFetch     = "scrollFetchRouteTrace"
	TraceMaxCounterProbe = "maxCounterProbeTrace"
	TraceCommitNotify    = "commitNotifyTrace"
)

// Tracer emits structured trace records with a per-channel rate cap.
// Records beyond the cap are dropped without being logged or counted; a
// tracer never blocks the delivery path it observes.
type Tracer struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiters map[string]*rate.Limiter
}

func newTracer(logger *slog.Logger, m *metrics.Metrics, perSecond float64, burst int) *Tracer {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	channels := []string{
		TraceLiveRoute, TraceLiveResult, TraceDecision,
		TraceScrollFetch, TraceMaxCounterProbe, TraceCommitNotify,
	}
	limiters := make(map[string]*rate.Limiter, len(channels))
	for _, ch := range channels {
		limiters[ch] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &Tracer{logger: logger, metrics: m, limiters: limiters}
}

// Emit writes one record to channel, subject to the channel's rate cap.
// Unknown channels are dropped outright.
func (t *Tracer) Emit(channel string, attrs ...any) {
	limiter, ok := t.limiters[channel]
	if !ok || !limiter.Allow() {
		return
	}
	if t.metrics != nil {
		t.metrics.TraceEventsTotal.WithLabelValues(channel).Inc()
	}
	t.logger.Info(channel, attrs...)
}

// Prefix8 truncates an identifier to its first 8 characters for trace
// output.
func Prefix8(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
