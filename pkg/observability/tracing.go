package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for convlog spans.
const TracerName = "convlog"

// Span attribute keys
const (
	AttrConversationID = "conversation_id"
	AttrRoom           = "room"
	AttrBatchSize      = "batch_size"
	AttrSink           = "sink"
	AttrChannel        = "channel"
	AttrPayloadBytes   = "payload_bytes"
	AttrErrorCode      = "error_code"
	AttrRetryable      = "retryable"
)

// Span names
const (
	SpanPersistBatch = "convlog.persist_batch"
	SpanPublishEvent = "convlog.publish_event"
	SpanSendMessage  = "convlog.send_message"
)

// Tracer starts spans around the session's outbound I/O.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// NewTracerWithProvider creates a tracer from an explicit provider.
func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// StartPersistSpan starts a span for writing a batch of messages.
func (t *Tracer) StartPersistSpan(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanPersistBatch,
		trace.WithAttributes(
			attribute.Int(AttrBatchSize, batchSize),
			attribute.String(AttrSink, SinkPostgres),
		),
	)
}

// StartPublishSpan starts a span for publishing a change event.
func (t *Tracer) StartPublishSpan(ctx context.Context, channel string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanPublishEvent,
		trace.WithAttributes(
			attribute.String(AttrSink, SinkRedis),
			attribute.String(AttrChannel, channel),
		),
	)
}

// StartSendSpan starts a span for an outbound data-channel message.
func (t *Tracer) StartSendSpan(ctx context.Context, conversationID string, payloadBytes int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanSendMessage,
		trace.WithAttributes(
			attribute.String(AttrConversationID, conversationID),
			attribute.String(AttrSink, SinkDataChannel),
			attribute.Int(AttrPayloadBytes, payloadBytes),
		),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error, code string, retryable bool) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String(AttrErrorCode, code),
			attribute.Bool(AttrRetryable, retryable),
		)
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
