package natskv

import (
	"context"
	"os"
	"regexp"
	"testing"
	"time"

	cfnats "github.com/Strob0t/symbolforge/internal/adapter/nats"
	"github.com/Strob0t/symbolforge/internal/port/cache/cachetest"
)

var validKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

func TestEncodeKey(t *testing.T) {
	keys := []string{
		"/home/dev/project/src/widget.ts",
		`C:\work\app\Main.java`,
		"symbols:/w/a b/ü.go",
	}
	seen := make(map[string]string)
	for _, k := range keys {
		enc := encodeKey(k)
		if !validKey.MatchString(enc) {
			t.Errorf("encodeKey(%q) = %q is not a valid KV key", k, enc)
		}
		if prev, dup := seen[enc]; dup {
			t.Errorf("keys %q and %q collide", prev, k)
		}
		seen[enc] = k
	}
}

func TestCache_Compliance(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	ctx := context.Background()
	bus, err := cfnats.Connect(ctx, url, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	kv, err := bus.KeyValue(ctx, "symbolforge_test_"+time.Now().Format("150405"), time.Minute)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	cachetest.Run(t, New(kv))
}
