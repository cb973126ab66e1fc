// Command symbolforge serves symbol search over supervised language servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfhttp "github.com/Strob0t/symbolforge/internal/adapter/http"
	cfotel "github.com/Strob0t/symbolforge/internal/adapter/otel"
	"github.com/Strob0t/symbolforge/internal/adapter/ws"
	"github.com/Strob0t/symbolforge/internal/logger"
	"github.com/Strob0t/symbolforge/internal/middleware"
	"github.com/Strob0t/symbolforge/internal/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// run dispatches subcommands; serve is the default.
func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "serve":
			return runServe(args[1:])
		case "search":
			return runSearch(args[1:])
		case "refs":
			return runRefs(args[1:])
		case "help", "-h", "--help":
			printHelp()
			return nil
		}
	}
	return runServe(args)
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: symbolforge [command] [options]

Commands:
  serve    Run the HTTP API and lifecycle event stream (default)
  search   Search symbols once and print the matches
  refs     Find references to the symbol at a position
  help     Show this help message

Examples:
  symbolforge serve --workspace ~/src/app
  symbolforge search --language go Widget
  symbolforge search --file internal/app/widget.go --json Render
  symbolforge refs --line 12 --character 6 internal/app/widget.go
`)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "workspace root (default: current directory)")
	configPath := fs.String("config", "", "YAML config file (default: $SYMBOLFORGE_CONFIG or symbolforge.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"nats", cfg.NATS.URL != "",
		"otlp", cfg.Telemetry.OTLPEndpoint,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	shutdownTelemetry, err := cfotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	in, err := buildInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer in.close()

	// --- Services ---

	hub := ws.NewHub(log)
	svc, err := newService(cfg, *workspace, in, log, hub)
	if err != nil {
		return fmt.Errorf("lsp service: %w", err)
	}
	log.Info("workspace ready", "root", svc.Workspace(), "languages", svc.Languages())

	if cfg.Watch.Enabled {
		watcher, err := service.InvalidatingWatcher(svc, cfg.Fallback.ExcludeDirs, log)
		if err != nil {
			log.Warn("file watcher disabled", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
			go watcher.Run(ctx)
		}
	}

	// --- HTTP ---

	r := chi.NewRouter()
	r.Use(cfotel.HTTPMiddleware("symbolforge"))
	r.Use(middleware.RequestID)
	r.Use(cfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	cfhttp.MountRoutes(r, &cfhttp.Handlers{LSP: svc}, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Searches may wait for a cold server start.
		WriteTimeout: cfg.LSP.StartTimeout + cfg.LSP.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = svc.StopAll(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.LSP.StopAllTimeout+5*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := svc.StopAll(shutdownCtx); err != nil {
		return fmt.Errorf("stop language servers: %w", err)
	}
	log.Info("stopped")
	return nil
}
