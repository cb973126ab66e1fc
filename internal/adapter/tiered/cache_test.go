package tiered_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/symbolforge/internal/adapter/tiered"
	"github.com/Strob0t/symbolforge/internal/port/cache/cachetest"
)

type entry struct {
	value []byte
	ttl   time.Duration
}

// memCache records the TTL of every write.
type memCache struct {
	mu   sync.Mutex
	data map[string]entry
}

func newMemCache() *memCache { return &memCache{data: make(map[string]entry)} }

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	return e.value, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry{value: value, ttl: ttl}
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memCache) get(key string) (entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	return e, ok
}

// flakyCache fails while down is set, like an unreachable NATS server.
type flakyCache struct {
	*memCache
	down bool
}

var errDown = errors.New("l2 unavailable")

func (f *flakyCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.down {
		return nil, false, errDown
	}
	return f.memCache.Get(ctx, key)
}

func (f *flakyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.down {
		return errDown
	}
	return f.memCache.Set(ctx, key, value, ttl)
}

func (f *flakyCache) Delete(ctx context.Context, key string) error {
	if f.down {
		return errDown
	}
	return f.memCache.Delete(ctx, key)
}

func TestTiered_Compliance(t *testing.T) {
	cachetest.Run(t, tiered.New(newMemCache(), newMemCache(), time.Minute, nil))
}

func TestTiered_Get(t *testing.T) {
	tests := []struct {
		name      string
		inL1      bool
		inL2      bool
		wantFound bool
		wantFill  bool
	}{
		{name: "l1 hit", inL1: true, wantFound: true},
		{name: "l2 hit backfills l1", inL2: true, wantFound: true, wantFill: true},
		{name: "both", inL1: true, inL2: true, wantFound: true},
		{name: "miss"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l1, l2 := newMemCache(), newMemCache()
			if tt.inL1 {
				_ = l1.Set(ctx, "symbols:/ws/a.go", []byte("l1"), time.Minute)
			}
			if tt.inL2 {
				_ = l2.Set(ctx, "symbols:/ws/a.go", []byte("l2"), time.Minute)
			}
			c := tiered.New(l1, l2, 30*time.Second, nil)

			val, found, err := c.Get(ctx, "symbols:/ws/a.go")
			if err != nil {
				t.Fatal(err)
			}
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if tt.inL1 && string(val) != "l1" {
				t.Errorf("expected the l1 value, got %q", val)
			}
			if tt.wantFill {
				e, ok := l1.get("symbols:/ws/a.go")
				if !ok || string(e.value) != "l2" {
					t.Fatal("expected l1 backfill")
				}
				if e.ttl != 30*time.Second {
					t.Errorf("backfill ttl = %v, want 30s", e.ttl)
				}
			}
		})
	}
}

func TestTiered_WritesBothLevels(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, time.Minute, nil)

	if err := c.Set(ctx, "k", []byte("v"), 5*time.Second); err != nil {
		t.Fatal(err)
	}
	for name, m := range map[string]*memCache{"l1": l1, "l2": l2} {
		if e, ok := m.get("k"); !ok || e.ttl != 5*time.Second {
			t.Errorf("%s: expected entry with 5s ttl, got %+v (present %v)", name, e, ok)
		}
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	for name, m := range map[string]*memCache{"l1": l1, "l2": l2} {
		if _, ok := m.get("k"); ok {
			t.Errorf("%s: expected k deleted", name)
		}
	}
}

func TestTiered_L2OutageDegradesToL1(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))

	l1 := newMemCache()
	l2 := &flakyCache{memCache: newMemCache(), down: true}
	c := tiered.New(l1, l2, time.Minute, log)

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set with L2 down: %v", err)
	}
	if val, found, err := c.Get(ctx, "k"); err != nil || !found || string(val) != "v" {
		t.Fatalf("Get = %q, %v, %v", val, found, err)
	}
	if _, found, err := c.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("miss with L2 down = %v, %v", found, err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete with L2 down: %v", err)
	}
	if c.L2Available() {
		t.Error("expected L2 to be reported unavailable")
	}
	if n := strings.Count(logs.String(), "l2 cache unavailable"); n != 1 {
		t.Errorf("expected one outage warning, got %d", n)
	}

	l2.down = false
	_, _, _ = c.Get(ctx, "missing")
	if !c.L2Available() {
		t.Error("expected L2 to recover")
	}
	if !strings.Contains(logs.String(), "l2 cache recovered") {
		t.Error("expected a recovery log line")
	}
}
