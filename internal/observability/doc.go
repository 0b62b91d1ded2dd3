// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the chat core.
//
// All three are wired once at startup and passed down explicitly; nothing
// in this package reads global state except the process-wide Prometheus
// default registry and the otel global tracer provider, both set during
// init in main.
package observability
