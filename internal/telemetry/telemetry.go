// Package telemetry defines the logging, metrics, and tracing interfaces used
// throughout the runtime core. Every component accepts these interfaces
// rather than reaching for a global logger or meter, so the core stays
// testable and so observability backends remain an external collaborator
// per the package boundary.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime core.
// Implementations typically delegate to goa.design/clue/log, but the
// interface is intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation. Names follow the observability contract of the workspace
// config (requests_total, tokens_total, cost_usd_total, rotation_handoff_ms,
// compression_ratio, active_sessions, budget_utilization_pct, ...).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// CallTelemetry captures observability metadata collected for a single
// SubagentCall, mirrored into metrics and the State Store's timing fields.
type CallTelemetry struct {
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
	// TokensIn and TokensOut report actual token usage once known.
	TokensIn, TokensOut int
	// Model identifies which model served the call.
	Model string
	// Extra holds provider-specific metadata (request IDs, headers, ...).
	Extra map[string]any
}
