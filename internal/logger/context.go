package logger

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	languageKey
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLanguage records the language a request is being served for.
func WithLanguage(ctx context.Context, language string) context.Context {
	return context.WithValue(ctx, languageKey, language)
}

// Language returns the language stored by WithLanguage, or "".
func Language(ctx context.Context) string {
	lang, _ := ctx.Value(languageKey).(string)
	return lang
}

// From returns slog.Default enriched with the request-scoped attributes
// present in ctx.
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if lang := Language(ctx); lang != "" {
		l = l.With("language", lang)
	}
	return l
}
