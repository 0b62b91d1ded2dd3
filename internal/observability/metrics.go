package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the chat core's Prometheus metrics.
//
// Tracked concerns: turn outcomes, model request latency and token use,
// tool executions, vector index queries, credential refreshes, SSE
// connections, HTTP requests, and database queries.
type Metrics struct {
	// TurnCounter counts completed turns by outcome.
	// Labels: outcome (ok|auth_required|rate_limited|budget_exceeded|
	// upstream_unavailable|schema_violation|tool_timeout|cancelled|internal)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full-turn latency in seconds.
	TurnDuration prometheus.Histogram

	// ModelRequestDuration measures upstream model call latency in seconds.
	// Labels: model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model requests.
	// Labels: model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokens tracks token consumption.
	// Labels: model, type (prompt|completion)
	ModelTokens *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// VectorQueryDuration measures vector index operations in seconds.
	// Labels: collection, operation (insert|search|delete)
	VectorQueryDuration *prometheus.HistogramVec

	// CredentialRefreshCounter counts delegated token refreshes.
	// Labels: status (success|error)
	CredentialRefreshCounter *prometheus.CounterVec

	// ActiveStreams is a gauge of currently open SSE streams.
	ActiveStreams prometheus.Gauge

	// TemplateCacheCounter counts template router cache lookups.
	// Labels: result (hit|miss)
	TemplateCacheCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures database query latency.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec

	// BackgroundJobCounter counts background job transitions.
	// Labels: status (queued|running|completed|failed)
	BackgroundJobCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWithRegistry registers the metrics with an explicit registry,
// used by tests to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awchat_turns_total",
				Help: "Total completed turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "awchat_turn_duration_seconds",
				Help:    "Duration of full turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "awchat_model_request_duration_seconds",
				Help:    "Duration of upstream model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awchat_model_requests_total",
				Help: "Total upstream model requests by model and status",
			},
			[]string{"model", "status"},
		),

		ModelTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awchat_model_tokens_total",
				Help: "Total tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awchat_tool_executions_total",
				Help: "Total tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "awchat_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),

		VectorQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "awchat_vector_query_duration_seconds",
				Help:    "Duration of vector index operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"collection", "operation"},
		),

		CredentialRefreshCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awchat_credential_refreshes_total",
				Help: "Total delegated credential refreshes by status",
			},
			[]string{"status"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "awchat_active_streams",
				Help: "Currently open SSE streams",
			},
		),

		TemplateCacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awchat_template_cache_total",
				Help: "Template router cache lookups by result",
			},
			[]string{"result"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "awchat_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awchat_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "awchat_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		BackgroundJobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "awchat_background_jobs_total",
				Help: "Total background job transitions by status",
			},
			[]string{"status"},
		),
	}
}

// RecordTurn records the outcome and duration of one turn.
func (m *Metrics) RecordTurn(outcome string, durationSeconds float64) {
	m.TurnCounter.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordModelRequest records one upstream model exchange.
func (m *Metrics) RecordModelRequest(model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ModelRequestCounter.WithLabelValues(model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ModelTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordVectorQuery records one vector index operation.
func (m *Metrics) RecordVectorQuery(collection, operation string, durationSeconds float64) {
	m.VectorQueryDuration.WithLabelValues(collection, operation).Observe(durationSeconds)
}

// RecordCredentialRefresh records a refresh attempt outcome.
func (m *Metrics) RecordCredentialRefresh(status string) {
	m.CredentialRefreshCounter.WithLabelValues(status).Inc()
}

// StreamOpened increments the active stream gauge.
func (m *Metrics) StreamOpened() {
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the active stream gauge.
func (m *Metrics) StreamClosed() {
	m.ActiveStreams.Dec()
}

// RecordTemplateCache records a router cache lookup result.
func (m *Metrics) RecordTemplateCache(result string) {
	m.TemplateCacheCounter.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records one database query.
func (m *Metrics) RecordDatabaseQuery(operation, table string, durationSeconds float64) {
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordJobTransition records one background job status transition.
func (m *Metrics) RecordJobTransition(status string) {
	m.BackgroundJobCounter.WithLabelValues(status).Inc()
}
