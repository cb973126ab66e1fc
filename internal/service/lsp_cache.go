package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	cfotel "github.com/Strob0t/symbolforge/internal/adapter/otel"
	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/port/cache"
)

const symbolKeyPrefix = "symbols:"

// symbolEntry is the stored form of one cached file. The timestamp travels
// with the value so staleness is decided here, whatever the backend's own
// expiry granularity.
type symbolEntry struct {
	StoredAt time.Time                `json:"stored_at"`
	Symbols  []lspDomain.SymbolRecord `json:"symbols"`
}

// SymbolCache caches the complete symbol list of a file, keyed by absolute
// path. An entry is served only while younger than the TTL.
type SymbolCache struct {
	backend cache.Cache
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *cfotel.Metrics

	mu     sync.Mutex
	stored map[string]time.Time // path -> StoredAt, for lazy eviction
}

// NewSymbolCache wraps backend. A nil backend disables caching.
func NewSymbolCache(backend cache.Cache, ttl time.Duration, now func() time.Time, logger *slog.Logger, metrics *cfotel.Metrics) *SymbolCache {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SymbolCache{
		backend: backend,
		ttl:     ttl,
		now:     now,
		logger:  logger,
		metrics: metrics,
		stored:  make(map[string]time.Time),
	}
}

// Get returns the cached symbols for path if the entry is still fresh.
func (c *SymbolCache) Get(ctx context.Context, path string) ([]lspDomain.SymbolRecord, bool) {
	if c.backend == nil {
		return nil, false
	}
	data, ok, err := c.backend.Get(ctx, symbolKeyPrefix+path)
	if err != nil {
		c.logger.Warn("symbol cache get failed", "file", path, "error", err)
		ok = false
	}
	var entry symbolEntry
	if ok {
		if err := json.Unmarshal(data, &entry); err != nil {
			c.logger.Warn("symbol cache entry undecodable", "file", path, "error", err)
			ok = false
		}
	}
	if ok && c.now().Sub(entry.StoredAt) >= c.ttl {
		ok = false
	}
	c.metrics.CacheLookup(ctx, ok)
	if !ok {
		return nil, false
	}
	return entry.Symbols, true
}

// Put overwrites the entry for path. Stale entries of other files are
// evicted on the way.
func (c *SymbolCache) Put(ctx context.Context, path string, symbols []lspDomain.SymbolRecord) {
	if c.backend == nil {
		return
	}
	now := c.now()
	if symbols == nil {
		symbols = []lspDomain.SymbolRecord{}
	}
	data, err := json.Marshal(symbolEntry{StoredAt: now, Symbols: symbols})
	if err != nil {
		c.logger.Warn("symbol cache encode failed", "file", path, "error", err)
		return
	}

	for _, stale := range c.collectStale(now, path) {
		if err := c.backend.Delete(ctx, symbolKeyPrefix+stale); err != nil {
			c.logger.Debug("symbol cache evict failed", "file", stale, "error", err)
		}
	}

	if err := c.backend.Set(ctx, symbolKeyPrefix+path, data, c.ttl); err != nil {
		c.logger.Warn("symbol cache set failed", "file", path, "error", err)
		c.mu.Lock()
		delete(c.stored, path)
		c.mu.Unlock()
	}
}

// Invalidate drops the entry for path.
func (c *SymbolCache) Invalidate(ctx context.Context, path string) {
	if c.backend == nil {
		return
	}
	c.mu.Lock()
	delete(c.stored, path)
	c.mu.Unlock()
	if err := c.backend.Delete(ctx, symbolKeyPrefix+path); err != nil {
		c.logger.Warn("symbol cache invalidate failed", "file", path, "error", err)
	}
}

// Len returns the number of entries written and not yet evicted.
func (c *SymbolCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stored)
}

// collectStale records path as written at now and returns, removed from the
// index, every other path whose entry has outlived the TTL.
func (c *SymbolCache) collectStale(now time.Time, path string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stale []string
	for p, at := range c.stored {
		if p != path && now.Sub(at) >= c.ttl {
			stale = append(stale, p)
			delete(c.stored, p)
		}
	}
	c.stored[path] = now
	return stale
}
