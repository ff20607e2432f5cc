// Package metrics builds Prometheus counter vectors curried once per
// engine instance, rather than as package-level globals registered against
// the default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the vectors this core emits: trace-channel volume,
// per-route decrypt outcomes, and the gap/skip/dead-letter counters.
type Metrics struct {
	TraceEventsTotal     *prometheus.CounterVec
	RouteDecryptsTotal   *prometheus.CounterVec
	GapDetectedTotal      prometheus.Counter
	SkipLimitExceededTotal prometheus.Counter
	DeadLetteredTotal      prometheus.Counter
	ShadowAdvanceTotal    *prometheus.CounterVec
}

// New builds a fresh Metrics bundle curried with instanceID and registers
// it against reg. Each Engine owns its own Metrics and its own registry, so
// two engines in the same process (e.g. tests) never collide.
func New(reg *prometheus.Registry, instanceID string) *Metrics {
	traceEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "securecore_trace_events_total",
		Help: "Structured trace channel emissions by channel name.",
	}, []string{"instance", "channel"}).MustCurryWith(prometheus.Labels{"instance": instanceID})

	routeDecrypts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "securecore_route_decrypts_total",
		Help: "Decrypt attempts by route and result.",
	}, []string{"instance", "route", "result"}).MustCurryWith(prometheus.Labels{"instance": instanceID})

	shadowAdvance := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "securecore_shadow_advance_total",
		Help: "Shadow advance attempts by result.",
	}, []string{"instance", "result"}).MustCurryWith(prometheus.Labels{"instance": instanceID})

	gapDetected := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "securecore_gap_detected_total",
		Help:        "Gaps detected on live delivery.",
		ConstLabels: prometheus.Labels{"instance": instanceID},
	})
	skipExceeded := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "securecore_skip_limit_exceeded_total",
		Help:        "Hard skip-limit protocol errors.",
		ConstLabels: prometheus.Labels{"instance": instanceID},
	})
	deadLettered := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "securecore_inbox_dead_lettered_total",
		Help:        "Inbox jobs moved to the dead state.",
		ConstLabels: prometheus.Labels{"instance": instanceID},
	})

	m := &Metrics{
		TraceEventsTotal:       traceEvents,
		RouteDecryptsTotal:     routeDecrypts,
		GapDetectedTotal:       gapDetected,
		SkipLimitExceededTotal: skipExceeded,
		DeadLetteredTotal:      deadLettered,
		ShadowAdvanceTotal:     shadowAdvance,
	}

	reg.MustRegister(traceEvents, routeDecrypts, shadowAdvance, gapDetected, skipExceeded, deadLettered)
	return m
}
