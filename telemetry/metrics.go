// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles        prometheus.Counter
	PollCyclesSkipped prometheus.Counter
	PollFailures      prometheus.Counter
	EntriesDropped    prometheus.Counter
	Transitions       *prometheus.CounterVec
	ActionsExecuted   *prometheus.CounterVec
	ActionsFailed     *prometheus.CounterVec
	ActionsPermanent  *prometheus.CounterVec

	// Histograms (seconds)
	PollDuration   prometheus.Observer
	ActionDuration prometheus.Observer

	// Gauges
	EventQueueDepth prometheus.Gauge
	TrackedStreams  *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_poll_cycles_total", Help: "Number of poll cycles run"})
		PollCyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_poll_cycles_skipped_total", Help: "Number of poll cycles skipped (in flight or retries exhausted)"})
		PollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_poll_failures_total", Help: "Number of upstream fetch failures"})
		EntriesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "stream_entries_dropped_total", Help: "Number of listing entries dropped (undecodable or unknown channel)"})
		Transitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stream_transitions_total", Help: "Number of detected lifecycle transitions"}, []string{"kind"})
		ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stream_actions_executed_total", Help: "Number of side-effect actions executed"}, []string{"action"})
		ActionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stream_actions_failed_total", Help: "Number of action attempts that failed"}, []string{"action"})
		ActionsPermanent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stream_actions_permanent_failures_total", Help: "Number of actions flagged failed with no auto-retry"}, []string{"action"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stream_poll_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		ActionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stream_action_duration_seconds", Help: "Action execution duration seconds", Buckets: prometheus.DefBuckets})
		EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "stream_event_queue_depth", Help: "Transition events waiting for dispatch"})
		TrackedStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "stream_tracked_streams", Help: "Tracked streams by lifecycle status"}, []string{"status"})
	})
}

// SetQueueDepth records the current number of queued transition events.
func SetQueueDepth(n int) {
	if EventQueueDepth != nil {
		EventQueueDepth.Set(float64(n))
	}
}

// SetTrackedStreams updates the per-status stream gauge.
func SetTrackedStreams(status string, n int) {
	if TrackedStreams != nil {
		TrackedStreams.WithLabelValues(status).Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
