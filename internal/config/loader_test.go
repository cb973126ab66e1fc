package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.LSP.RequestTimeout != 10*time.Second {
		t.Errorf("expected request timeout 10s, got %v", cfg.LSP.RequestTimeout)
	}
	if cfg.Cache.SymbolTTL != 30*time.Second {
		t.Errorf("expected symbol ttl 30s, got %v", cfg.Cache.SymbolTTL)
	}
	if cfg.LSP.AutoInstall {
		t.Error("auto install must be off by default")
	}
	if len(cfg.Fallback.ExcludeDirs) == 0 {
		t.Error("expected default exclude dirs")
	}
}

func TestDefaultsExcludeDirsIsACopy(t *testing.T) {
	cfg := Defaults()
	cfg.Fallback.ExcludeDirs[0] = "mutated"
	if DefaultExcludeDirs[0] == "mutated" {
		t.Fatal("Defaults must not alias DefaultExcludeDirs")
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
lsp:
  request_timeout: 2s
  max_restarts: 1
  servers:
    - language: go
      command: /opt/gopls
      args: ["serve", "-rpc.trace"]
cache:
  symbol_ttl: 5s
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.LSP.RequestTimeout != 2*time.Second {
		t.Errorf("expected request timeout 2s, got %v", cfg.LSP.RequestTimeout)
	}
	if cfg.LSP.MaxRestarts != 1 {
		t.Errorf("expected max restarts 1, got %d", cfg.LSP.MaxRestarts)
	}
	if len(cfg.LSP.Servers) != 1 || cfg.LSP.Servers[0].Command != "/opt/gopls" {
		t.Errorf("unexpected servers override: %+v", cfg.LSP.Servers)
	}
	if cfg.Cache.SymbolTTL != 5*time.Second {
		t.Errorf("expected symbol ttl 5s, got %v", cfg.Cache.SymbolTTL)
	}
	// Unchanged fields keep defaults
	if cfg.LSP.StartTimeout != 30*time.Second {
		t.Errorf("expected default start timeout, got %v", cfg.LSP.StartTimeout)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("lsp: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("SYMBOLFORGE_LSP_REQUEST_TIMEOUT", "250ms")
	t.Setenv("SYMBOLFORGE_LSP_AUTO_INSTALL", "true")
	t.Setenv("SYMBOLFORGE_CACHE_SYMBOL_TTL", "1m")
	t.Setenv("SYMBOLFORGE_FALLBACK_EXCLUDE_GLOBS", "**/*.gen.go, testdata/**")
	t.Setenv("SYMBOLFORGE_LSP_MAX_RESTARTS", "not-a-number")

	loadEnv(&cfg)

	if cfg.LSP.RequestTimeout != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.LSP.RequestTimeout)
	}
	if !cfg.LSP.AutoInstall {
		t.Error("expected auto install enabled")
	}
	if cfg.Cache.SymbolTTL != time.Minute {
		t.Errorf("expected 1m, got %v", cfg.Cache.SymbolTTL)
	}
	if len(cfg.Fallback.ExcludeGlobs) != 2 || cfg.Fallback.ExcludeGlobs[1] != "testdata/**" {
		t.Errorf("unexpected exclude globs: %q", cfg.Fallback.ExcludeGlobs)
	}
	// Unparseable values leave the default in place.
	if cfg.LSP.MaxRestarts != 3 {
		t.Errorf("expected default max restarts, got %d", cfg.LSP.MaxRestarts)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "zero request timeout",
			modify: func(c *Config) { c.LSP.RequestTimeout = 0 },
			errMsg: "lsp.request_timeout must be > 0",
		},
		{
			name:   "zero ttl",
			modify: func(c *Config) { c.Cache.SymbolTTL = 0 },
			errMsg: "cache.symbol_ttl must be > 0",
		},
		{
			name:   "l2 without nats",
			modify: func(c *Config) { c.Cache.L2Bucket = "symbols" },
			errMsg: "cache.l2_bucket requires nats.url",
		},
		{
			name:   "server entry without language",
			modify: func(c *Config) { c.LSP.Servers = []ServerEntry{{Command: "x"}} },
			errMsg: "lsp.servers[0].language is required",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "malformed exclude glob",
			modify: func(c *Config) { c.Fallback.ExcludeGlobs = []string{"gen/[a-"} },
			errMsg: "fallback.exclude_globs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
