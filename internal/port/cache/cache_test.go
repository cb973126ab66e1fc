package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/symbolforge/internal/port/cache"
	"github.com/Strob0t/symbolforge/internal/port/cache/cachetest"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ cache.Cache = (*mapCache)(nil)

func TestMapCacheCompliance(t *testing.T) {
	cachetest.Run(t, &mapCache{data: make(map[string][]byte)})
}
