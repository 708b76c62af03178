package oplog

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty string if no active span is found in the context.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings. Both are empty when ctx carries no
// valid span, which is the normal case in unit tests.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}

	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// Stamp records the active trace on op. Repositories call it on every write.
func Stamp(ctx context.Context, op *ExitFeeOperation) {
	if ti := ExtractTraceInfo(ctx); ti.TraceID != "" {
		op.TraceID = ti.TraceID
	}
}
