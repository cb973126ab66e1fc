package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/Strob0t/symbolforge/internal/adapter/installer"
	cfnats "github.com/Strob0t/symbolforge/internal/adapter/nats"
	"github.com/Strob0t/symbolforge/internal/adapter/natskv"
	cfotel "github.com/Strob0t/symbolforge/internal/adapter/otel"
	"github.com/Strob0t/symbolforge/internal/adapter/ristretto"
	"github.com/Strob0t/symbolforge/internal/adapter/tiered"
	"github.com/Strob0t/symbolforge/internal/config"
	"github.com/Strob0t/symbolforge/internal/port/broadcast"
	"github.com/Strob0t/symbolforge/internal/port/cache"
	"github.com/Strob0t/symbolforge/internal/service"
)

// infra holds the process-wide infrastructure shared by all subcommands.
type infra struct {
	cache   cache.Cache
	sinks   []broadcast.Broadcaster
	metrics *cfotel.Metrics
	closers []func()
}

func (in *infra) close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
}

// loadConfig reads path when set and the default hierarchy otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// buildInfra connects the symbol cache tiers and, when configured, NATS.
// A NATS outage is logged and leaves the process on the L1 cache alone.
func buildInfra(ctx context.Context, cfg *config.Config, log *slog.Logger) (*infra, error) {
	in := &infra{}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	in.closers = append(in.closers, l1.Close)
	in.cache = l1

	metrics, err := cfotel.NewMetrics()
	if err != nil {
		in.close()
		return nil, fmt.Errorf("metrics: %w", err)
	}
	in.metrics = metrics

	if cfg.NATS.URL == "" {
		return in, nil
	}
	bus, err := cfnats.Connect(ctx, cfg.NATS.URL, log)
	if err != nil {
		log.Warn("nats unavailable, continuing without it", "url", cfg.NATS.URL, "error", err)
		return in, nil
	}
	in.closers = append(in.closers, func() { _ = bus.Close() })
	in.sinks = append(in.sinks, bus)

	if cfg.Cache.L2Bucket != "" {
		kv, err := bus.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.SymbolTTL)
		if err != nil {
			log.Warn("nats kv unavailable, using L1 cache only", "bucket", cfg.Cache.L2Bucket, "error", err)
		} else {
			in.cache = tiered.New(l1, natskv.New(kv), cfg.Cache.SymbolTTL, log)
			log.Info("symbol cache tiered", "bucket", cfg.Cache.L2Bucket)
		}
	}
	return in, nil
}

// newService builds the router for workspace. An empty workspace means the
// current directory.
func newService(cfg *config.Config, workspace string, in *infra, log *slog.Logger, sinks ...broadcast.Broadcaster) (*service.LSPService, error) {
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("workspace: %w", err)
		}
		workspace = wd
	}
	return service.NewLSPService(workspace, cfg, service.LSPDeps{
		Resolver: installer.New(installer.Options{
			AutoInstall: cfg.LSP.AutoInstall,
			Timeout:     cfg.LSP.InstallTimeout,
			Logger:      log,
		}),
		Cache:   in.cache,
		Sinks:   append(append([]broadcast.Broadcaster(nil), in.sinks...), sinks...),
		Metrics: in.metrics,
		Logger:  log,
	})
}
