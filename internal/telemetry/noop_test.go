package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
)

func TestNoopLoggerDiscardsWithoutPanicking(t *testing.T) {
	logger := NewNoopLogger()
	ctx := context.Background()
	logger.Debug(ctx, "debug", "k", "v")
	logger.Info(ctx, "info")
	logger.Warn(ctx, "warn")
	logger.Error(ctx, "error", "err", context.Canceled)
}

func TestNoopMetricsDiscardsWithoutPanicking(t *testing.T) {
	metrics := NewNoopMetrics()
	metrics.IncCounter("requests_total", 1, "phase", "draft")
	metrics.RecordTimer("rotation_handoff_ms", 5*time.Millisecond)
	metrics.RecordGauge("budget_utilization_pct", 0.42)
}

func TestNoopTracerProducesUsableSpan(t *testing.T) {
	tracer := NewNoopTracer()
	ctx, span := tracer.Start(context.Background(), "pipeline.step")
	span.AddEvent("checkpoint_saved")
	span.SetStatus(codes.Ok, "")
	span.RecordError(nil)
	span.End()

	same := tracer.Span(ctx)
	same.End()
}
