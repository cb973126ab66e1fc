package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
)

const meterName = "symbolforge"

// Metrics holds all symbolforge metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Requests       metric.Int64Counter
	RequestLatency metric.Float64Histogram
	Timeouts       metric.Int64Counter
	Spawns         metric.Int64Counter
	Exits          metric.Int64Counter
	Searches       metric.Int64Counter
	CacheLookups   metric.Int64Counter
	FallbackScans  metric.Int64Counter
	FallbackFiles  metric.Int64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Requests, err = meter.Int64Counter("symbolforge.lsp.requests",
		metric.WithDescription("Language server requests by method and outcome"))
	if err != nil {
		return nil, err
	}

	m.RequestLatency, err = meter.Float64Histogram("symbolforge.lsp.request.duration_seconds",
		metric.WithDescription("Language server request latency in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.Timeouts, err = meter.Int64Counter("symbolforge.lsp.timeouts",
		metric.WithDescription("Language server requests that timed out"))
	if err != nil {
		return nil, err
	}

	m.Spawns, err = meter.Int64Counter("symbolforge.lsp.spawns",
		metric.WithDescription("Language server processes spawned"))
	if err != nil {
		return nil, err
	}

	m.Exits, err = meter.Int64Counter("symbolforge.lsp.exits",
		metric.WithDescription("Language server process exits, crashed or stopped"))
	if err != nil {
		return nil, err
	}

	m.Searches, err = meter.Int64Counter("symbolforge.search.completed",
		metric.WithDescription("Symbol searches by result source"))
	if err != nil {
		return nil, err
	}

	m.CacheLookups, err = meter.Int64Counter("symbolforge.cache.lookups",
		metric.WithDescription("Symbol cache lookups by result"))
	if err != nil {
		return nil, err
	}

	m.FallbackScans, err = meter.Int64Counter("symbolforge.fallback.scans",
		metric.WithDescription("Text fallback scans executed"))
	if err != nil {
		return nil, err
	}

	m.FallbackFiles, err = meter.Int64Histogram("symbolforge.fallback.files",
		metric.WithDescription("Files read per text fallback scan"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RequestFinished records one language server request.
func (m *Metrics) RequestFinished(ctx context.Context, language, method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("method", method),
		attribute.String("outcome", outcome(err)),
	)
	m.Requests.Add(ctx, 1, attrs)
	m.RequestLatency.Record(ctx, elapsed.Seconds(), attrs)
	if errors.Is(err, lspDomain.ErrTimeout) {
		m.Timeouts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("method", method),
		))
	}
}

// ProcessSpawned records a server process start.
func (m *Metrics) ProcessSpawned(ctx context.Context, language string) {
	if m == nil {
		return
	}
	m.Spawns.Add(ctx, 1, metric.WithAttributes(attribute.String("language", language)))
}

// ProcessExited records a server process exit.
func (m *Metrics) ProcessExited(ctx context.Context, language string, crashed bool) {
	if m == nil {
		return
	}
	m.Exits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("crashed", crashed),
	))
}

// SearchCompleted records which path answered a symbol search.
func (m *Metrics) SearchCompleted(ctx context.Context, language string, source lspDomain.SymbolSource) {
	if m == nil {
		return
	}
	m.Searches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("source", string(source)),
	))
}

// CacheLookup records a symbol cache hit or miss.
func (m *Metrics) CacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// FallbackScanned records one text fallback scan.
func (m *Metrics) FallbackScanned(ctx context.Context, language string, files int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("language", language))
	m.FallbackScans.Add(ctx, 1, attrs)
	m.FallbackFiles.Record(ctx, int64(files), attrs)
}

func outcome(err error) string {
	var pe *lspDomain.ProtocolError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lspDomain.ErrTimeout):
		return "timeout"
	case errors.Is(err, lspDomain.ErrServerCrashed):
		return "crashed"
	case errors.Is(err, lspDomain.ErrNotReady):
		return "not_ready"
	case errors.As(err, &pe):
		return "protocol_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
