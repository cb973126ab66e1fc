// Package config provides hierarchical configuration loading for symbolforge.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the symbolforge daemon.
type Config struct {
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	LSP       LSP       `yaml:"lsp"`
	Cache     Cache     `yaml:"cache"`
	Fallback  Fallback  `yaml:"fallback"`
	Breaker   Breaker   `yaml:"breaker"`
	NATS      NATS      `yaml:"nats"`
	Telemetry Telemetry `yaml:"telemetry"`
	Watch     Watch     `yaml:"watch"`
}

// Server holds HTTP server configuration for health and status endpoints.
type Server struct {
	Port string `yaml:"port"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// LSP holds language server lifecycle configuration.
type LSP struct {
	RequestTimeout  time.Duration `yaml:"request_timeout"`   // Per-request timeout (default: 10s)
	StartTimeout    time.Duration `yaml:"start_timeout"`     // Spawn + handshake budget (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`  // Graceful shutdown handshake (default: 5s)
	KillGrace       time.Duration `yaml:"kill_grace"`        // SIGTERM to SIGKILL grace (default: 2s)
	StopAllTimeout  time.Duration `yaml:"stop_all_timeout"`  // Bound for StopAll before force kill (default: 10s)
	MaxRestarts     int           `yaml:"max_restarts"`      // Explicit restarts allowed per language (default: 3)
	AutoInstall     bool          `yaml:"auto_install"`      // Let the resolver run package managers (default: false)
	InstallTimeout  time.Duration `yaml:"install_timeout"`   // Budget for one install command (default: 5m)
	Servers         []ServerEntry `yaml:"servers"`           // Per-language overrides of the built-in table
	ExitSettleDelay time.Duration `yaml:"exit_settle_delay"` // Wait for an exit status after stream EOF (default: 500ms)
}

// ServerEntry overrides or adds a language server launch descriptor.
type ServerEntry struct {
	Language   string   `yaml:"language"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	Extensions []string `yaml:"extensions"`
	Env        []string `yaml:"env"`
	Disabled   bool     `yaml:"disabled"`
}

// Cache holds symbol cache configuration.
type Cache struct {
	SymbolTTL   time.Duration `yaml:"symbol_ttl"`     // Max age of a served entry (default: 30s)
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"` // Ristretto budget (default: 64)
	L2Bucket    string        `yaml:"l2_bucket"`      // NATS KV bucket; empty disables L2
}

// Fallback holds text-scan fallback bounds.
type Fallback struct {
	MaxFiles     int      `yaml:"max_files"`      // Files opened per scan (default: 2000)
	MaxFileBytes int64    `yaml:"max_file_bytes"` // Larger files are skipped (default: 1 MiB)
	MaxResults   int      `yaml:"max_results"`    // Matches returned (default: 200)
	Workers      int      `yaml:"workers"`        // Concurrent file readers (default: 8)
	ExcludeDirs  []string `yaml:"exclude_dirs"`   // Directory names never entered
	ExcludeGlobs []string `yaml:"exclude_globs"`  // Extra doublestar patterns, relative to the workspace
}

// Breaker holds the per-instance timeout circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// NATS holds NATS JetStream configuration. An empty URL disables NATS.
type NATS struct {
	URL string `yaml:"url"`
}

// Telemetry holds OpenTelemetry exporter configuration.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"` // host:port; empty keeps the no-op providers
	ServiceName  string `yaml:"service_name"`
}

// Watch holds file watcher configuration.
type Watch struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultExcludeDirs lists build output, dependency, and VCS metadata
// directories skipped by the fallback scan and the file watcher.
var DefaultExcludeDirs = []string{
	".git", ".hg", ".svn",
	"node_modules", "vendor", "bower_components", ".venv", "venv", "__pycache__", ".tox",
	"dist", "build", "out", "target", "bin", "obj", ".next", ".cache", "coverage",
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port: "8090",
		},
		Logging: Logging{
			Level:   "info",
			Service: "symbolforge",
		},
		LSP: LSP{
			RequestTimeout:  10 * time.Second,
			StartTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			KillGrace:       2 * time.Second,
			StopAllTimeout:  10 * time.Second,
			MaxRestarts:     3,
			InstallTimeout:  5 * time.Minute,
			ExitSettleDelay: 500 * time.Millisecond,
		},
		Cache: Cache{
			SymbolTTL:   30 * time.Second,
			L1MaxSizeMB: 64,
		},
		Fallback: Fallback{
			MaxFiles:     2000,
			MaxFileBytes: 1 << 20,
			MaxResults:   200,
			Workers:      8,
			ExcludeDirs:  append([]string(nil), DefaultExcludeDirs...),
		},
		Breaker: Breaker{
			MaxFailures: 3,
			Timeout:     30 * time.Second,
		},
		Telemetry: Telemetry{
			ServiceName: "symbolforge",
		},
		Watch: Watch{
			Enabled: true,
		},
	}
}
