// Package cachetest holds the behavior every cache.Cache backend must share.
package cachetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Strob0t/symbolforge/internal/port/cache"
)

// Run checks c against the cache contract. Keys look like the symbol cache's
// own: absolute paths with separators and a prefix.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetThenGet", func(t *testing.T) {
		key := "symbols:/ws/internal/app/widget.go"
		want := []byte(`{"stored_at":"2026-01-01T00:00:00Z","symbols":[]}`)
		if err := c.Set(ctx, key, want, time.Minute); err != nil {
			t.Fatal(err)
		}
		got, found, err := c.Get(ctx, key)
		if err != nil || !found {
			t.Fatalf("Get after Set = found %v, err %v", found, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get = %q, want %q", got, want)
		}
	})

	t.Run("MissIsNotAnError", func(t *testing.T) {
		_, found, err := c.Get(ctx, "symbols:/ws/never-written.go")
		if err != nil || found {
			t.Fatalf("miss = found %v, err %v", found, err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		key := "symbols:/ws/overwrite.go"
		_ = c.Set(ctx, key, []byte("v1"), time.Minute)
		_ = c.Set(ctx, key, []byte("v2"), time.Minute)
		got, found, err := c.Get(ctx, key)
		if err != nil || !found || string(got) != "v2" {
			t.Fatalf("after overwrite = %q, found %v, err %v", got, found, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		key := `symbols:C:\ws\win dows\main.go`
		_ = c.Set(ctx, key, []byte("v"), time.Minute)
		if err := c.Delete(ctx, key); err != nil {
			t.Fatal(err)
		}
		if _, found, err := c.Get(ctx, key); err != nil || found {
			t.Fatalf("after Delete = found %v, err %v", found, err)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := c.Delete(ctx, "symbols:/ws/absent.go"); err != nil {
			t.Fatalf("Delete of a missing key: %v", err)
		}
	})
}
