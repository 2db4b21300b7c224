package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth      prometheus.Gauge
	enqueueTotal    *prometheus.CounterVec
	coalescedTotal  *prometheus.CounterVec
	processedTotal  *prometheus.CounterVec
	processDuration *prometheus.HistogramVec

	runTotal       *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	providerCalls  *prometheus.CounterVec
	providerRetry  *prometheus.CounterVec
	costUSD        *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	messageRetries prometheus.Counter
	fallbacksTotal prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	activeSessions   prometheus.Gauge
	compactionsTotal prometheus.Counter
	persistDuration  prometheus.Histogram
	recoveredTotal   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "aide_queue_depth",
				Help: "Items waiting in the ingestion queue.",
			}),
			enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_items_enqueued_total",
				Help: "Items accepted by the ingestion queue by source.",
			}, []string{"source"}),
			coalescedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_items_coalesced_total",
				Help: "Items folded into an earlier item by the debounce window.",
			}, []string{"source"}),
			processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_items_processed_total",
				Help: "Items fully processed by source and status.",
			}, []string{"source", "status"}),
			processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "aide_item_process_duration_seconds",
				Help:    "Time from dequeue to reply delivery by source.",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			}, []string{"source"}),
			runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_runs_total",
				Help: "Agentic loop runs by model and stop reason.",
			}, []string{"model", "stop_reason"}),
			runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "aide_run_duration_seconds",
				Help:    "Agentic loop run duration by model.",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			}, []string{"model"}),
			providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_provider_calls_total",
				Help: "Provider completion calls by provider and status.",
			}, []string{"provider", "status"}),
			providerRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_provider_retries_total",
				Help: "In-place retries of transient provider failures.",
			}, []string{"provider"}),
			costUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_cost_usd_total",
				Help: "Accumulated model cost in USD by model.",
			}, []string{"model"}),
			tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_tokens_total",
				Help: "Tokens by model and kind (input, output, cache_read, cache_write).",
			}, []string{"model", "kind"}),
			messageRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aide_message_retries_total",
				Help: "Whole-message re-runs after transient failures.",
			}),
			fallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aide_fallback_replies_total",
				Help: "Fallback replies sent after message retries were exhausted.",
			}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_tool_executions_total",
				Help: "Tool executions by tool and status.",
			}, []string{"tool", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "aide_tool_execution_duration_seconds",
				Help:    "Tool execution duration by tool.",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "aide_sessions_active",
				Help: "Sessions present in the session index.",
			}),
			compactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aide_session_compactions_total",
				Help: "Session compactions performed.",
			}),
			persistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "aide_session_persist_duration_seconds",
				Help:    "Time to append a log record and rewrite the snapshot.",
				Buckets: prometheus.DefBuckets,
			}),
			recoveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aide_session_loads_total",
				Help: "Session loads by origin (snapshot, replay, new).",
			}, []string{"origin"}),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.coalescedTotal,
			m.processedTotal,
			m.processDuration,
			m.runTotal,
			m.runDuration,
			m.providerCalls,
			m.providerRetry,
			m.costUSD,
			m.tokensTotal,
			m.messageRetries,
			m.fallbacksTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.activeSessions,
			m.compactionsTotal,
			m.persistDuration,
			m.recoveredTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordEnqueue(source string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(source).Inc()
	m.queueDepth.Set(float64(depth))
}

func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}

func RecordCoalesced(source string, folded int) {
	if folded <= 0 {
		return
	}
	getMetrics().coalescedTotal.WithLabelValues(source).Add(float64(folded))
}

func RecordItemProcessed(source string, duration time.Duration, success bool) {
	m := getMetrics()
	m.processedTotal.WithLabelValues(source, statusLabel(success)).Inc()
	m.processDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func RecordRun(model, stopReason string, duration time.Duration) {
	m := getMetrics()
	m.runTotal.WithLabelValues(model, stopReason).Inc()
	m.runDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func RecordProviderCall(provider string, success bool) {
	getMetrics().providerCalls.WithLabelValues(provider, statusLabel(success)).Inc()
}

func RecordProviderRetry(provider string) {
	getMetrics().providerRetry.WithLabelValues(provider).Inc()
}

func RecordCost(model string, usd float64, input, output, cacheRead, cacheWrite int) {
	m := getMetrics()
	m.costUSD.WithLabelValues(model).Add(usd)
	m.tokensTotal.WithLabelValues(model, "input").Add(float64(input))
	m.tokensTotal.WithLabelValues(model, "output").Add(float64(output))
	m.tokensTotal.WithLabelValues(model, "cache_read").Add(float64(cacheRead))
	m.tokensTotal.WithLabelValues(model, "cache_write").Add(float64(cacheWrite))
}

func RecordMessageRetry() {
	getMetrics().messageRetries.Inc()
}

func RecordFallback() {
	getMetrics().fallbacksTotal.Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordCompaction() {
	getMetrics().compactionsTotal.Inc()
}

func RecordSessionPersist(duration time.Duration) {
	getMetrics().persistDuration.Observe(duration.Seconds())
}

// RecordSessionLoad counts where a loaded session came from: snapshot, replay or new.
func RecordSessionLoad(origin string) {
	getMetrics().recoveredTotal.WithLabelValues(origin).Inc()
}
