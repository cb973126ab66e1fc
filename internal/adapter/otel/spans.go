package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "symbolforge"

// StartSearchSpan starts a span for a symbol search.
func StartSearchSpan(ctx context.Context, language, query string, files int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "symbols.search",
		trace.WithAttributes(
			attribute.String("lsp.language", language),
			attribute.String("symbols.query", query),
			attribute.Int("symbols.files", files),
		),
	)
}

// StartReferencesSpan starts a span for a references lookup.
func StartReferencesSpan(ctx context.Context, language, path string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "symbols.references",
		trace.WithAttributes(
			attribute.String("lsp.language", language),
			attribute.String("file.path", path),
		),
	)
}

// StartServerStartSpan starts a span covering dependency resolution, spawn,
// and handshake of a language server.
func StartServerStartSpan(ctx context.Context, language, command string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "lsp.start",
		trace.WithAttributes(
			attribute.String("lsp.language", language),
			attribute.String("lsp.command", command),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
