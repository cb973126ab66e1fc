package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "symbolforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("SYMBOLFORGE_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SYMBOLFORGE_PORT")
	setString(&cfg.Logging.Level, "SYMBOLFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SYMBOLFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SYMBOLFORGE_LOG_ASYNC")

	// LSP
	setDuration(&cfg.LSP.RequestTimeout, "SYMBOLFORGE_LSP_REQUEST_TIMEOUT")
	setDuration(&cfg.LSP.StartTimeout, "SYMBOLFORGE_LSP_START_TIMEOUT")
	setDuration(&cfg.LSP.ShutdownTimeout, "SYMBOLFORGE_LSP_SHUTDOWN_TIMEOUT")
	setDuration(&cfg.LSP.KillGrace, "SYMBOLFORGE_LSP_KILL_GRACE")
	setDuration(&cfg.LSP.StopAllTimeout, "SYMBOLFORGE_LSP_STOP_ALL_TIMEOUT")
	setInt(&cfg.LSP.MaxRestarts, "SYMBOLFORGE_LSP_MAX_RESTARTS")
	setBool(&cfg.LSP.AutoInstall, "SYMBOLFORGE_LSP_AUTO_INSTALL")
	setDuration(&cfg.LSP.InstallTimeout, "SYMBOLFORGE_LSP_INSTALL_TIMEOUT")

	// Cache
	setDuration(&cfg.Cache.SymbolTTL, "SYMBOLFORGE_CACHE_SYMBOL_TTL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "SYMBOLFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "SYMBOLFORGE_CACHE_L2_BUCKET")

	// Fallback
	setInt(&cfg.Fallback.MaxFiles, "SYMBOLFORGE_FALLBACK_MAX_FILES")
	setInt64(&cfg.Fallback.MaxFileBytes, "SYMBOLFORGE_FALLBACK_MAX_FILE_BYTES")
	setInt(&cfg.Fallback.MaxResults, "SYMBOLFORGE_FALLBACK_MAX_RESULTS")
	setInt(&cfg.Fallback.Workers, "SYMBOLFORGE_FALLBACK_WORKERS")
	setList(&cfg.Fallback.ExcludeGlobs, "SYMBOLFORGE_FALLBACK_EXCLUDE_GLOBS")

	setInt(&cfg.Breaker.MaxFailures, "SYMBOLFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SYMBOLFORGE_BREAKER_TIMEOUT")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "SYMBOLFORGE_TELEMETRY_SERVICE")
	setBool(&cfg.Watch.Enabled, "SYMBOLFORGE_WATCH")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.LSP.RequestTimeout <= 0 {
		return errors.New("lsp.request_timeout must be > 0")
	}
	if cfg.LSP.StartTimeout <= 0 {
		return errors.New("lsp.start_timeout must be > 0")
	}
	if cfg.LSP.MaxRestarts < 0 {
		return errors.New("lsp.max_restarts must be >= 0")
	}
	for i, s := range cfg.LSP.Servers {
		if s.Language == "" {
			return fmt.Errorf("lsp.servers[%d].language is required", i)
		}
	}
	if cfg.Cache.SymbolTTL <= 0 {
		return errors.New("cache.symbol_ttl must be > 0")
	}
	if cfg.Cache.L1MaxSizeMB < 1 {
		return errors.New("cache.l1_max_size_mb must be >= 1")
	}
	if cfg.Cache.L2Bucket != "" && cfg.NATS.URL == "" {
		return errors.New("cache.l2_bucket requires nats.url")
	}
	if cfg.Fallback.MaxFiles < 1 {
		return errors.New("fallback.max_files must be >= 1")
	}
	if cfg.Fallback.Workers < 1 {
		return errors.New("fallback.workers must be >= 1")
	}
	for _, g := range cfg.Fallback.ExcludeGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("fallback.exclude_globs: invalid pattern %q", g)
		}
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
