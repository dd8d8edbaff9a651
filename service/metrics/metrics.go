package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every collector registered by this package.
const Namespace = "solana_tracker"

// Metrics holds all Prometheus collectors for the tracker.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
//
// Every helper is safe to call on a nil *Metrics, which records nothing.
// Tests and tools that don't care about telemetry can simply pass nil.
type Metrics struct {
	// Pipeline Metrics
	transactionsProcessedTotal    prometheus.Counter
	transactionsFailedTotal       *prometheus.CounterVec
	transactionsSkippedTotal      *prometheus.CounterVec
	balanceChangesRecordedTotal   prometheus.Counter
	transactionProcessingDuration prometheus.Histogram
	lastTransactionTimestamp      prometheus.Gauge
	tokenAmountParseDefaultsTotal prometheus.Counter

	// Stream Metrics
	streamReconnectionsTotal prometheus.Counter
	streamConnected          prometheus.Gauge
	streamEventsTotal        *prometheus.CounterVec

	// Solana RPC Metrics
	rpcCallsTotal   *prometheus.CounterVec
	rpcCallDuration *prometheus.HistogramVec

	// Database Metrics
	dbOperationDuration *prometheus.HistogramVec
	dbOperationsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// Health Metrics
	uptimeSeconds prometheus.Gauge
	errorsTotal   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		transactionsProcessedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "transactions_processed_total",
				Help:      "Total number of transactions fetched, parsed and persisted",
			},
		),
		transactionsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "transactions_failed_total",
				Help:      "Total number of transactions that failed to process, by pipeline stage",
			},
			[]string{"stage"},
		),
		transactionsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "transactions_skipped_total",
				Help:      "Total number of transaction events skipped without processing",
			},
			[]string{"reason"},
		),
		balanceChangesRecordedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "balance_changes_recorded_total",
				Help:      "Total number of balance change rows recorded",
			},
		),
		transactionProcessingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "transaction_processing_seconds",
				Help:      "Time taken to fetch, parse and persist a transaction",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),
		lastTransactionTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_transaction_timestamp",
				Help:      "Unix timestamp of the last processed transaction",
			},
		),
		tokenAmountParseDefaultsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "token_amount_parse_defaults_total",
				Help:      "Total number of token amounts that could not be parsed and were treated as zero",
			},
		),

		streamReconnectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "stream_reconnections_total",
				Help:      "Total number of stream reconnection attempts",
			},
		),
		streamConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "stream_connected",
				Help:      "Stream connection status (1=connected, 0=disconnected)",
			},
		),
		streamEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "stream_events_total",
				Help:      "Total number of events received from the subscription, by kind",
			},
			[]string{"kind"},
		),

		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "rpc_calls_total",
				Help:      "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "rpc_call_duration_seconds",
				Help:      "Duration of Solana RPC calls in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),

		dbOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "database_operation_seconds",
				Help:      "Time taken for database operations",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "database_operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "nats_messages_published_total",
				Help:      "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "nats_publish_duration_seconds",
				Help:      "Duration of NATS publish operations in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		uptimeSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "uptime_seconds",
				Help:      "Application uptime in seconds",
			},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by kind",
			},
			[]string{"kind"},
		),
	}
}

// Pipeline metric helpers

// RecordTransactionProcessed records a transaction that made it through the whole pipeline.
// balanceChanges is the number of balance change rows actually written.
func (m *Metrics) RecordTransactionProcessed(duration time.Duration, balanceChanges int, processedAt time.Time) {
	if m == nil {
		return
	}
	m.transactionsProcessedTotal.Inc()
	m.transactionProcessingDuration.Observe(duration.Seconds())
	m.balanceChangesRecordedTotal.Add(float64(balanceChanges))
	m.lastTransactionTimestamp.Set(float64(processedAt.Unix()))
}

// RecordTransactionFailed records a per-item failure at the given stage (fetch, parse, persist).
func (m *Metrics) RecordTransactionFailed(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transactionsFailedTotal.WithLabelValues(stage).Inc()
	m.transactionProcessingDuration.Observe(duration.Seconds())
	m.errorsTotal.WithLabelValues(stage).Inc()
}

// RecordTransactionSkipped records a transaction event that was intentionally not processed.
func (m *Metrics) RecordTransactionSkipped(reason string) {
	if m == nil {
		return
	}
	m.transactionsSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordTokenAmountDefaulted records an unparsable token amount that was treated as zero.
func (m *Metrics) RecordTokenAmountDefaulted() {
	if m == nil {
		return
	}
	m.tokenAmountParseDefaultsTotal.Inc()
}

// Stream metric helpers

// SetStreamConnected flips the stream_connected gauge.
func (m *Metrics) SetStreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.streamConnected.Set(1)
		return
	}
	m.streamConnected.Set(0)
}

// RecordStreamReconnection records a reconnection attempt.
func (m *Metrics) RecordStreamReconnection() {
	if m == nil {
		return
	}
	m.streamReconnectionsTotal.Inc()
}

// RecordStreamError records a session or connection level failure.
func (m *Metrics) RecordStreamError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordStreamEvent records an event received from the subscription.
func (m *Metrics) RecordStreamEvent(kind string) {
	if m == nil {
		return
	}
	m.streamEventsTotal.WithLabelValues(kind).Inc()
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(method, status).Inc()
	m.rpcCallDuration.WithLabelValues(method).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database operation with duration.
func (m *Metrics) RecordDBQuery(operation string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbOperationDuration.WithLabelValues(operation).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// Health metric helpers

// SetUptime records the process uptime.
func (m *Metrics) SetUptime(uptime time.Duration) {
	if m == nil {
		return
	}
	m.uptimeSeconds.Set(uptime.Seconds())
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
