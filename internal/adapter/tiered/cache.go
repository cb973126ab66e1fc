// Package tiered layers the in-process symbol cache over a shared one, so
// several daemons on the same workspace reuse each other's symbol lists.
package tiered

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Strob0t/symbolforge/internal/port/cache"
)

// Cache reads L1 first and falls through to L2, copying L2 hits into L1.
// Writes and deletes go to both levels. L2 is best effort: its errors are
// logged once per outage and otherwise ignored. L1 errors are returned.
type Cache struct {
	l1          cache.Cache
	l2          cache.Cache
	backfillTTL time.Duration
	logger      *slog.Logger
	l2Down      atomic.Bool
}

// New creates a tiered cache. backfillTTL bounds how long an entry copied
// from L2 stays in L1.
func New(l1, l2 cache.Cache, backfillTTL time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{l1: l1, l2: l2, backfillTTL: backfillTTL, logger: logger}
}

// Get returns the L1 entry, else the L2 entry.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil || found {
		return val, found, err
	}

	val, found, err = c.l2.Get(ctx, key)
	if !c.l2Result("get", err) || !found {
		return nil, false, nil
	}
	if err := c.l1.Set(ctx, key, val, c.backfillTTL); err != nil {
		c.logger.Debug("l1 backfill failed", "key", key, "error", err)
	}
	return val, true, nil
}

// Set writes to both levels.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	c.l2Result("set", c.l2.Set(ctx, key, value, ttl))
	return nil
}

// Delete removes from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	c.l2Result("delete", c.l2.Delete(ctx, key))
	return nil
}

// L2Available reports whether the last L2 call succeeded.
func (c *Cache) L2Available() bool { return !c.l2Down.Load() }

// l2Result tracks L2 health and reports whether err is nil.
func (c *Cache) l2Result(op string, err error) bool {
	if err != nil {
		if !c.l2Down.Swap(true) {
			c.logger.Warn("l2 cache unavailable, serving from l1", "op", op, "error", err)
		}
		return false
	}
	if c.l2Down.Swap(false) {
		c.logger.Info("l2 cache recovered")
	}
	return true
}
