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
	RecordsProcessed  *prometheus.CounterVec
	RecordsDropped    prometheus.Counter
	BunchReplacements prometheus.Counter
	CacheEvictions    *prometheus.CounterVec
	HighlightsTotal   prometheus.Counter
	ViewerDrops       prometheus.Counter
	PersistFailures   *prometheus.CounterVec
	PushFailures      prometheus.Counter

	// Histograms
	PersistBatchSize prometheus.Observer
	FlushDuration    prometheus.Observer

	// Gauges
	ActiveViewers  prometheus.Gauge
	SessionState   *prometheus.GaugeVec // 1 for the current state of a server, 0 otherwise
	UnseenGauge    prometheus.Gauge
	PersistBacklog prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_records_processed_total", Help: "Records produced by the pipeline, by kind"}, []string{"kind"})
		RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_records_dropped_total", Help: "Inbound events dropped by the classifier"})
		BunchReplacements = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_bunch_replacements_total", Help: "Cache tail replacements caused by event bunching"})
		CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_cache_evictions_total", Help: "Records evicted from bounded caches, by namespace"}, []string{"namespace"})
		HighlightsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_highlights_total", Help: "Highlighted records"})
		ViewerDrops = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_viewer_drops_total", Help: "Outbound viewer messages dropped because the viewer queue was full"})
		PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_persist_failures_total", Help: "Failed persistence operations, by operation"}, []string{"op"})
		PushFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_push_failures_total", Help: "Failed web push deliveries"})
		PersistBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_persist_batch_size", Help: "Rows written per persistence flush", Buckets: prometheus.ExponentialBuckets(1, 4, 8)})
		FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_persist_flush_duration_seconds", Help: "Persistence flush duration seconds", Buckets: prometheus.DefBuckets})
		ActiveViewers = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_viewers", Help: "Connected viewers"})
		SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "relay_session_state", Help: "Current session state per server (1=current)"}, []string{"server", "state"})
		UnseenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_unseen_highlights", Help: "Highlights not yet acknowledged"})
		PersistBacklog = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_persist_backlog", Help: "Operations queued for the next persistence flush"})
	})
}

// IncRecord counts a produced record of the given kind.
func IncRecord(kind string) {
	if RecordsProcessed != nil {
		RecordsProcessed.WithLabelValues(kind).Inc()
	}
}

func IncDropped() {
	if RecordsDropped != nil {
		RecordsDropped.Inc()
	}
}

func IncBunch() {
	if BunchReplacements != nil {
		BunchReplacements.Inc()
	}
}

func IncEviction(namespace string) {
	if CacheEvictions != nil {
		CacheEvictions.WithLabelValues(namespace).Inc()
	}
}

func IncHighlight() {
	if HighlightsTotal != nil {
		HighlightsTotal.Inc()
	}
}

func IncViewerDrop() {
	if ViewerDrops != nil {
		ViewerDrops.Inc()
	}
}

func IncPersistFailure(op string) {
	if PersistFailures != nil {
		PersistFailures.WithLabelValues(op).Inc()
	}
}

func IncPushFailure() {
	if PushFailures != nil {
		PushFailures.Inc()
	}
}

// ObservePersistBatch records the number of rows in one flush.
func ObservePersistBatch(n int) {
	if PersistBatchSize != nil {
		PersistBatchSize.Observe(float64(n))
	}
}

func AddViewers(delta int) {
	if ActiveViewers != nil {
		ActiveViewers.Add(float64(delta))
	}
}

func SetUnseen(n int) {
	if UnseenGauge != nil {
		UnseenGauge.Set(float64(n))
	}
}

func SetPersistBacklog(n int) {
	if PersistBacklog != nil {
		PersistBacklog.Set(float64(n))
	}
}

// SetSessionState marks state as current for server and clears the other known states.
func SetSessionState(server, state string, all []string) {
	if SessionState == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(server, s).Set(v)
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

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
