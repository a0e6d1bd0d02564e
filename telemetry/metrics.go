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
	SegmentsBuilt      prometheus.Counter
	SessionsStitched   prometheus.Counter
	SessionsFinalized  prometheus.Counter
	RebuildsRun        prometheus.Counter
	FinalizeTicks      prometheus.Counter
	SummariesGenerated prometheus.Counter
	SummariesFailed    prometheus.Counter
	DataAnomalies      prometheus.Counter
	EventsIngested     prometheus.Counter

	// Histograms (seconds)
	RebuildDuration prometheus.Observer
	TickDuration    prometheus.Observer
	SummaryDuration prometheus.Observer

	// Gauges
	PendingFinalizeGauge prometheus.Gauge
	FinalizerRunning     prometheus.Gauge // 1=running,0=stopped
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SegmentsBuilt = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_segments_built_total", Help: "Number of segments created by the builder"})
		SessionsStitched = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_sessions_stitched_total", Help: "Number of sessions created by the stitcher"})
		SessionsFinalized = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_sessions_finalized_total", Help: "Number of sessions finalized"})
		RebuildsRun = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_rebuilds_total", Help: "Number of full rebuild operations"})
		FinalizeTicks = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_finalize_ticks_total", Help: "Number of finalizer ticks executed"})
		SummariesGenerated = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_summaries_generated_total", Help: "Number of AI summaries generated"})
		SummariesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_summaries_failed_total", Help: "Number of AI summary attempts that failed"})
		DataAnomalies = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_data_anomalies_total", Help: "Number of event-log anomalies recovered (orphan stops, double-open starts)"})
		EventsIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "broadcast_events_ingested_total", Help: "Number of platform events appended by the ingest recorder"})
		RebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "broadcast_rebuild_duration_seconds", Help: "Rebuild duration seconds", Buckets: prometheus.DefBuckets})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "broadcast_finalize_tick_duration_seconds", Help: "Finalizer tick duration seconds", Buckets: prometheus.DefBuckets})
		SummaryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "broadcast_summary_duration_seconds", Help: "AI summary call duration seconds", Buckets: prometheus.DefBuckets})
		PendingFinalizeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "broadcast_sessions_pending_finalize", Help: "Current number of sessions awaiting finalization"})
		FinalizerRunning = promauto.NewGauge(prometheus.GaugeOpts{Name: "broadcast_finalizer_running", Help: "Finalizer scheduler running=1 stopped=0"})
	})
}

// SetPendingFinalize records the current pending_finalize session count.
func SetPendingFinalize(n int) {
	if PendingFinalizeGauge != nil {
		PendingFinalizeGauge.Set(float64(n))
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
