package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	lspAdapter "github.com/Strob0t/symbolforge/internal/adapter/lsp"
	cfotel "github.com/Strob0t/symbolforge/internal/adapter/otel"
	"github.com/Strob0t/symbolforge/internal/config"
	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/logger"
	"github.com/Strob0t/symbolforge/internal/port/broadcast"
	"github.com/Strob0t/symbolforge/internal/port/cache"
	"github.com/Strob0t/symbolforge/internal/port/depresolver"
)

// LSPDeps are the collaborators of an LSPService. Every field is optional.
type LSPDeps struct {
	// Descriptors replaces the built-in launch table. Config overrides are
	// applied on top either way.
	Descriptors []lspDomain.LanguageServerDescriptor
	Resolver    depresolver.Resolver
	Cache       cache.Cache // nil disables symbol caching
	Sinks       []broadcast.Broadcaster
	Metrics     *cfotel.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// LSPService routes symbol operations to one supervised language server per
// language, starting servers on first use.
type LSPService struct {
	workspace   string
	cfg         *config.Config
	descriptors map[string]lspDomain.LanguageServerDescriptor
	languages   []string
	extensions  lspDomain.ExtensionTable

	resolver depresolver.Resolver
	metrics  *cfotel.Metrics
	logger   *slog.Logger
	events   *LifecycleBus
	cache    *SymbolCache
	fallback *TextSearcher

	starts singleflight.Group

	mu        sync.Mutex
	instances map[string]*lspAdapter.Instance
	restarts  map[string]int
	closed    bool

	stopOnce sync.Once
	stopErr  error
}

// NewLSPService creates a router for the workspace rooted at workspace.
// No server is started until a language is first used.
func NewLSPService(workspace string, cfg *config.Config, deps LSPDeps) (*LSPService, error) {
	if workspace == "" {
		return nil, errors.New("workspace path is empty")
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace path: %w", err)
	}
	if cfg == nil {
		defaults := config.Defaults()
		cfg = &defaults
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	base := deps.Descriptors
	if base == nil {
		base = lspDomain.DefaultDescriptors()
	}
	merged := mergeDescriptors(base, cfg.LSP.Servers)

	s := &LSPService{
		workspace:   abs,
		cfg:         cfg,
		descriptors: make(map[string]lspDomain.LanguageServerDescriptor, len(merged)),
		extensions:  lspDomain.BuildExtensionTable(merged),
		resolver:    deps.Resolver,
		metrics:     deps.Metrics,
		logger:      log,
		events:      NewLifecycleBus(log, deps.Sinks...),
		cache:       NewSymbolCache(deps.Cache, cfg.Cache.SymbolTTL, deps.Now, log, deps.Metrics),
		instances:   make(map[string]*lspAdapter.Instance),
		restarts:    make(map[string]int),
	}
	for _, d := range merged {
		s.descriptors[d.Language] = d
		s.languages = append(s.languages, d.Language)
	}
	s.fallback = NewTextSearcher(abs, cfg.Fallback, s.extensions, log, deps.Metrics)
	return s, nil
}

// mergeDescriptors applies config entries to the base table. An entry for a
// known language overrides its non-empty fields; an unknown language with a
// command is added; a disabled entry removes the language.
func mergeDescriptors(base []lspDomain.LanguageServerDescriptor, overrides []config.ServerEntry) []lspDomain.LanguageServerDescriptor {
	out := make([]lspDomain.LanguageServerDescriptor, 0, len(base)+len(overrides))
	out = append(out, base...)
	for _, o := range overrides {
		idx := -1
		for i := range out {
			if out[i].Language == o.Language {
				idx = i
				break
			}
		}
		if o.Disabled {
			if idx >= 0 {
				out = append(out[:idx], out[idx+1:]...)
			}
			continue
		}
		if idx < 0 {
			if o.Command == "" {
				continue
			}
			out = append(out, lspDomain.LanguageServerDescriptor{Language: o.Language})
			idx = len(out) - 1
		}
		d := &out[idx]
		if o.Command != "" {
			d.Command = o.Command
			d.Args = o.Args
			d.Dependency = nil
		} else if o.Args != nil {
			d.Args = o.Args
		}
		if len(o.Extensions) > 0 {
			d.Extensions = o.Extensions
		}
		if len(o.Env) > 0 {
			d.Env = o.Env
		}
	}
	return out
}

// Workspace returns the absolute workspace root.
func (s *LSPService) Workspace() string { return s.workspace }

// Events returns the lifecycle event bus.
func (s *LSPService) Events() *LifecycleBus { return s.events }

// Languages returns the configured languages in table order.
func (s *LSPService) Languages() []string {
	return append([]string(nil), s.languages...)
}

// LanguageForPath maps a file to its configured language, or "".
func (s *LSPService) LanguageForPath(path string) string {
	return s.extensions.LanguageForPath(path)
}

// EnsureStarted returns a serving instance for language, starting it when
// absent, stopped, or crashed. Concurrent callers share one start.
func (s *LSPService) EnsureStarted(ctx context.Context, language string) (*lspAdapter.Instance, error) {
	desc, ok := s.descriptors[language]
	if !ok {
		return nil, &lspDomain.UnsupportedLanguageError{Language: language}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, lspDomain.ErrShuttingDown
	}
	inst := s.instances[language]
	s.mu.Unlock()
	if inst != nil && inst.State().Serving() {
		return inst, nil
	}

	ch := s.starts.DoChan(language, func() (any, error) {
		return s.start(context.WithoutCancel(ctx), desc)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*lspAdapter.Instance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *LSPService) start(ctx context.Context, desc lspDomain.LanguageServerDescriptor) (_ *lspAdapter.Instance, err error) {
	ctx = logger.WithLanguage(ctx, desc.Language)
	ctx, span := cfotel.StartServerStartSpan(ctx, desc.Language, desc.CommandLine())
	defer func() { cfotel.EndSpan(span, err) }()

	inst, err := s.instanceFor(desc)
	if err != nil {
		return nil, err
	}
	if inst.State().Serving() {
		return inst, nil
	}

	if err := s.ensureDependency(ctx, desc); err != nil {
		return nil, err
	}
	if err := inst.Start(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		inst.Kill()
		return nil, lspDomain.ErrShuttingDown
	}
	return inst, nil
}

// instanceFor returns the registered instance for desc, creating it on first use.
func (s *LSPService) instanceFor(desc lspDomain.LanguageServerDescriptor) (*lspAdapter.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, lspDomain.ErrShuttingDown
	}
	if inst := s.instances[desc.Language]; inst != nil {
		return inst, nil
	}

	opts := lspAdapter.InstanceOptions{
		Workspace:       s.workspace,
		RequestTimeout:  s.cfg.LSP.RequestTimeout,
		StartTimeout:    s.cfg.LSP.StartTimeout,
		ShutdownTimeout: s.cfg.LSP.ShutdownTimeout,
		KillGrace:       s.cfg.LSP.KillGrace,
		ExitSettleDelay: s.cfg.LSP.ExitSettleDelay,
		BreakerFailures: s.cfg.Breaker.MaxFailures,
		BreakerTimeout:  s.cfg.Breaker.Timeout,
		Logger:          s.logger,
		OnEvent:         s.events.Publish,
	}
	if s.metrics != nil {
		opts.Observer = s.metrics
	}
	inst := lspAdapter.NewInstance(desc, opts)
	s.instances[desc.Language] = inst
	return inst, nil
}

// ensureDependency resolves a missing server binary. Only a required
// dependency that cannot be resolved stops the start.
func (s *LSPService) ensureDependency(ctx context.Context, desc lspDomain.LanguageServerDescriptor) error {
	spec := desc.Dependency
	if spec == nil || s.resolver == nil {
		return nil
	}
	if s.resolver.CheckInstalled(ctx, *spec) {
		return nil
	}

	log := logger.From(ctx)
	res := s.resolver.Resolve(ctx, *spec)
	switch {
	case res.Success:
		log.Info("lsp dependency resolved", "dependency", spec.Name, "version", res.Version)
		return nil
	case spec.Required:
		return &lspDomain.DependencyUnavailableError{Language: desc.Language, Spec: *spec, Reason: res.Reason}
	default:
		log.Warn("lsp dependency unavailable, starting anyway",
			"dependency", spec.Name, "skipped", res.Skipped, "reason", res.Reason)
		return nil
	}
}

// Restart stops the instance for language and starts it again. Each
// language may be restarted at most lsp.max_restarts times.
func (s *LSPService) Restart(ctx context.Context, language string) (*lspAdapter.Instance, error) {
	if _, ok := s.descriptors[language]; !ok {
		return nil, &lspDomain.UnsupportedLanguageError{Language: language}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, lspDomain.ErrShuttingDown
	}
	if s.restarts[language] >= s.cfg.LSP.MaxRestarts {
		s.mu.Unlock()
		return nil, fmt.Errorf("lsp %s: %w (%d)", language, lspDomain.ErrRestartLimit, s.cfg.LSP.MaxRestarts)
	}
	s.restarts[language]++
	inst := s.instances[language]
	s.mu.Unlock()

	if inst != nil {
		if err := inst.Stop(ctx); err != nil {
			return nil, fmt.Errorf("lsp %s: stop before restart: %w", language, err)
		}
	}
	s.logger.Info("lsp server restarting", "language", language)
	return s.EnsureStarted(ctx, language)
}

// StopAll stops every instance in parallel. Instances still running when
// lsp.stop_all_timeout elapses are killed. It is idempotent; later calls
// return the first call's result.
func (s *LSPService) StopAll(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		instances := make([]*lspAdapter.Instance, 0, len(s.instances))
		for _, inst := range s.instances {
			instances = append(instances, inst)
		}
		s.mu.Unlock()

		sctx, cancel := context.WithTimeout(ctx, s.cfg.LSP.StopAllTimeout)
		defer cancel()

		g, gctx := errgroup.WithContext(sctx)
		for _, inst := range instances {
			g.Go(func() error {
				if err := inst.Stop(gctx); err != nil {
					return fmt.Errorf("lsp %s: %w", inst.Language(), err)
				}
				return nil
			})
		}
		s.stopErr = g.Wait()

		for _, inst := range instances {
			select {
			case <-inst.Done():
			default:
				s.logger.Warn("lsp server still running after stop, killing", "language", inst.Language())
				inst.Kill()
			}
		}
		s.events.Close()
		s.logger.Info("lsp servers stopped", "count", len(instances))
	})
	return s.stopErr
}

// Status reports every configured language, sorted by name. Languages that
// were never started are reported as stopped.
func (s *LSPService) Status() []lspDomain.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]lspDomain.ServerInfo, 0, len(s.descriptors))
	for _, lang := range s.languages {
		var info lspDomain.ServerInfo
		if inst := s.instances[lang]; inst != nil {
			info = inst.Info()
		} else {
			info = lspDomain.ServerInfo{
				Language: lang,
				State:    lspDomain.ServerStateStopped,
				Command:  s.descriptors[lang].CommandLine(),
			}
		}
		info.Restarts = s.restarts[lang]
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Language < infos[j].Language })
	return infos
}
