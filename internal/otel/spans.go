package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for bridge spans.
var (
	AttrBotID    = attribute.Key("tgbridge.bot.id")
	AttrChatID   = attribute.Key("tgbridge.chat.id")
	AttrTurnID   = attribute.Key("tgbridge.turn.id")
	AttrJobID    = attribute.Key("tgbridge.job.id")
	AttrAdapter  = attribute.Key("tgbridge.adapter")
	AttrModel    = attribute.Key("tgbridge.adapter.model")
	AttrSession  = attribute.Key("tgbridge.session.id")
	AttrUpdateID = attribute.Key("tgbridge.update.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (webhook, HTTP).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (platform API,
// adapter subprocess).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
