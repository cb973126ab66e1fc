// Package cache defines the byte-oriented store behind the symbol cache.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values under string keys. A miss is (nil, false, nil);
// errors are reserved for an unreachable backend. ttl is a hint: backends
// without per-entry expiry may keep values longer, so callers that need
// exact freshness must check it themselves.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
