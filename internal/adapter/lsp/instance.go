package lsp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/resilience"
)

// Observer receives per-instance telemetry.
type Observer interface {
	RequestFinished(ctx context.Context, language, method string, elapsed time.Duration, err error)
	ProcessSpawned(ctx context.Context, language string)
	ProcessExited(ctx context.Context, language string, crashed bool)
}

type nopObserver struct{}

func (nopObserver) RequestFinished(context.Context, string, string, time.Duration, error) {}
func (nopObserver) ProcessSpawned(context.Context, string)                                {}
func (nopObserver) ProcessExited(context.Context, string, bool)                           {}

// InstanceOptions configures one supervised server process.
type InstanceOptions struct {
	Workspace       string
	RequestTimeout  time.Duration
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	KillGrace       time.Duration
	ExitSettleDelay time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
	Logger          *slog.Logger
	Observer        Observer
	OnEvent         func(lspDomain.LifecycleEvent)
}

func (o *InstanceOptions) applyDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 2 * time.Second
	}
	if o.ExitSettleDelay <= 0 {
		o.ExitSettleDelay = 500 * time.Millisecond
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
}

// processRun is one spawned process and its transport. A restart creates a
// fresh run; nothing carries over.
type processRun struct {
	cmd      *exec.Cmd
	stdout   *os.File
	ch       *Channel
	mux      *Mux
	pid      int
	exited   chan struct{} // closed after the state reflects the exit
	stopping atomic.Bool
	failure  error // guarded by Instance.mu
}

// Instance supervises one language server process for a workspace:
// Stopped -> Starting -> Initializing -> Ready -> {Degraded, Crashed} -> Stopped.
// Requests other than the handshake are rejected until the instance is Ready.
type Instance struct {
	desc     lspDomain.LanguageServerDescriptor
	opts     InstanceOptions
	logger   *slog.Logger
	observer Observer
	breaker  *resilience.Breaker

	mu           sync.Mutex
	state        lspDomain.ServerState
	run          *processRun
	caps         lspDomain.Capabilities
	lastActivity time.Time
	lastErr      string
	spawning     chan struct{} // non-nil while Start is spawning
	cancelStart  bool

	docMu    sync.Mutex
	openDocs map[string]int
}

// NewInstance creates a stopped instance for desc.
func NewInstance(desc lspDomain.LanguageServerDescriptor, opts InstanceOptions) *Instance {
	opts.applyDefaults()
	return &Instance{
		desc:     desc,
		opts:     opts,
		logger:   opts.Logger.With("language", desc.Language),
		observer: opts.Observer,
		breaker: resilience.NewBreaker(opts.BreakerFailures, opts.BreakerTimeout, func(err error) bool {
			return errors.Is(err, lspDomain.ErrTimeout)
		}),
		openDocs: make(map[string]int),
	}
}

// Language returns the language this instance serves.
func (i *Instance) Language() string { return i.desc.Language }

// Descriptor returns the launch descriptor.
func (i *Instance) Descriptor() lspDomain.LanguageServerDescriptor { return i.desc }

// State returns the current lifecycle state.
func (i *Instance) State() lspDomain.ServerState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Capabilities returns what the server advertised at handshake.
func (i *Instance) Capabilities() lspDomain.Capabilities {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.caps
}

// Done is closed when the current process has exited. It is closed already
// when no process was ever started.
func (i *Instance) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return i.run.exited
}

// Info returns a snapshot for status reporting.
func (i *Instance) Info() lspDomain.ServerInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	info := lspDomain.ServerInfo{
		Language:           i.desc.Language,
		State:              i.state,
		Command:            i.desc.CommandLine(),
		Capabilities:       i.caps,
		LastActivity:       i.lastActivity,
		Error:              i.lastErr,
		ConsecutiveTimeout: i.breaker.Failures(),
	}
	if i.run != nil && i.state != lspDomain.ServerStateStopped && i.state != lspDomain.ServerStateCrashed {
		info.PID = i.run.pid
	}
	return info
}

// Start spawns the server and performs the handshake. It returns nil
// without doing anything when the instance is already starting or serving.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	switch i.state {
	case lspDomain.ServerStateStarting, lspDomain.ServerStateInitializing,
		lspDomain.ServerStateReady, lspDomain.ServerStateDegraded:
		i.mu.Unlock()
		return nil
	}
	i.spawning = make(chan struct{})
	i.cancelStart = false
	spawning := i.spawning
	ev := i.transitionLocked(lspDomain.ServerStateStarting, "")
	i.mu.Unlock()
	i.emit(ev)

	run, err := i.spawn()

	i.mu.Lock()
	i.spawning = nil
	close(spawning)
	if err != nil {
		ev = i.transitionLocked(lspDomain.ServerStateCrashed, err.Error())
		i.mu.Unlock()
		i.emit(ev)
		i.logger.Warn("lsp server spawn failed", "command", i.desc.Command, "error", err)
		return err
	}
	i.run = run
	cancelled := i.cancelStart
	if cancelled {
		run.stopping.Store(true)
	}
	ev = i.transitionLocked(lspDomain.ServerStateInitializing, "")
	i.mu.Unlock()
	i.emit(ev)

	i.resetDocs()
	i.observer.ProcessSpawned(ctx, i.desc.Language)
	go i.supervise(run)

	if cancelled {
		_ = run.cmd.Process.Kill()
		<-run.exited
		return &lspDomain.NotReadyError{Language: i.desc.Language, State: lspDomain.ServerStateStopped, Err: lspDomain.ErrServerStopped}
	}

	caps, err := handshake(ctx, run.mux, i.opts.Workspace, i.desc.InitOpts, i.opts.StartTimeout)
	if err != nil {
		i.abort(run, err)
		return fmt.Errorf("lsp %s: %w", i.desc.Language, err)
	}

	i.mu.Lock()
	if i.run != run || i.state != lspDomain.ServerStateInitializing {
		state := i.state
		i.mu.Unlock()
		return &lspDomain.NotReadyError{Language: i.desc.Language, State: state}
	}
	i.caps = caps
	i.lastActivity = time.Now()
	i.breaker.Reset()
	ev = i.transitionLocked(lspDomain.ServerStateReady, "")
	i.mu.Unlock()
	i.emit(ev)

	i.logger.Info("lsp server started", "pid", run.pid, "workspace", i.opts.Workspace)
	return nil
}

// Stop shuts the server down: shutdown request and exit notification, then
// closing stdin, then SIGTERM, then a hard kill, each step bounded by the
// configured grace. A cancelled ctx skips straight to the kill.
func (i *Instance) Stop(ctx context.Context) error {
	run, state, err := i.currentRun(ctx)
	if err != nil || run == nil {
		return err
	}

	select {
	case <-run.exited:
		return nil
	default:
	}

	if run.stopping.CompareAndSwap(false, true) {
		i.logger.Info("lsp server stopping", "pid", run.pid)
		if state.Serving() {
			sctx, cancel := context.WithTimeout(ctx, i.opts.ShutdownTimeout)
			if _, err := run.mux.Request(sctx, MethodShutdown, nil, i.opts.ShutdownTimeout); err != nil {
				i.logger.Warn("lsp shutdown request failed", "error", err)
			}
			cancel()
			_ = run.mux.Notify(MethodExit, nil)
		}
		_ = run.ch.CloseWrite()
	}

	if i.awaitExit(ctx, run, i.opts.KillGrace) {
		return nil
	}
	_ = terminate(run.cmd.Process)
	if i.awaitExit(ctx, run, i.opts.KillGrace) {
		return nil
	}
	i.logger.Warn("lsp server did not exit gracefully, killing", "pid", run.pid)
	_ = run.cmd.Process.Kill()
	<-run.exited
	return nil
}

// Kill terminates the process immediately. The instance ends up Stopped.
func (i *Instance) Kill() {
	run, _, _ := i.currentRun(context.Background())
	if run == nil {
		return
	}
	run.stopping.Store(true)
	_ = run.cmd.Process.Kill()
	<-run.exited
}

// currentRun returns the live run, first waiting out a spawn in progress
// (which is told to abandon its process).
func (i *Instance) currentRun(ctx context.Context) (*processRun, lspDomain.ServerState, error) {
	for {
		i.mu.Lock()
		spawning := i.spawning
		if spawning == nil {
			run, state := i.run, i.state
			i.mu.Unlock()
			return run, state, nil
		}
		i.cancelStart = true
		i.mu.Unlock()

		select {
		case <-spawning:
		case <-ctx.Done():
			return nil, lspDomain.ServerStateStarting, ctx.Err()
		}
	}
}

func (i *Instance) awaitExit(ctx context.Context, run *processRun, grace time.Duration) bool {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-run.exited:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		_ = run.cmd.Process.Kill()
		<-run.exited
		return true
	}
}

// abort records why startup failed and kills the process.
func (i *Instance) abort(run *processRun, err error) {
	i.mu.Lock()
	if run.failure == nil {
		run.failure = err
	}
	i.mu.Unlock()
	_ = run.cmd.Process.Kill()
	<-run.exited
}

func (i *Instance) spawn() (*processRun, error) {
	if i.desc.Command == "" {
		return nil, fmt.Errorf("no command configured for language %s", i.desc.Language)
	}
	path, err := exec.LookPath(i.desc.Command)
	if err != nil {
		return nil, fmt.Errorf("language server binary %s: %w", i.desc.Command, err)
	}

	cmd := exec.Command(path, i.desc.Args...) //nolint:gosec // command from trusted descriptor table
	cmd.Dir = i.opts.Workspace
	cmd.Env = append(os.Environ(), i.desc.Env...)
	cmd.Stderr = &stderrLogger{logger: i.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A pipe we own, so Wait never closes stdout under the read loop.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}
	_ = stdoutW.Close()

	ch := NewChannel(stdoutR, stdin, i.logger)
	mux := NewMux(ch, i.logger)
	mux.HandleNotification(MethodLogMessage, i.relayLog)
	mux.HandleNotification(MethodShowMessage, i.relayLog)
	run := &processRun{
		cmd:    cmd,
		stdout: stdoutR,
		ch:     ch,
		mux:    mux,
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
	}
	ch.OnMessage(mux.Dispatch)
	ch.OnWriteError(func(err error) { i.writeFailed(run, err) })
	ch.Start()
	return run, nil
}

// writeFailed treats a broken stdin as fatal: the process is killed and
// supervise records the crash with err as its cause.
func (i *Instance) writeFailed(run *processRun, err error) {
	if run.stopping.Load() {
		return
	}
	i.mu.Lock()
	if run.failure == nil {
		run.failure = err
	}
	i.mu.Unlock()
	i.logger.Warn("lsp write failed, killing server", "pid", run.pid, "error", err)
	_ = run.cmd.Process.Kill()
}

// supervise waits for the process or its stream to end, rejects every
// pending request, and records the final state.
func (i *Instance) supervise(run *processRun) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- run.cmd.Wait() }()

	var waitErr error
	exited := false
	select {
	case waitErr = <-waitCh:
		exited = true
		// Let responses written just before exit reach the mux.
		select {
		case <-run.ch.Done():
		case <-time.After(i.opts.ExitSettleDelay):
		}
	case <-run.ch.Done():
		// The stream broke first; give the process a moment to report its status.
		select {
		case waitErr = <-waitCh:
			exited = true
		case <-time.After(i.opts.ExitSettleDelay):
		}
	}
	streamErr := run.ch.Err()

	if !exited {
		_ = run.cmd.Process.Kill()
		waitErr = <-waitCh
	}
	_ = run.stdout.Close()
	<-run.ch.Done()

	stopping := run.stopping.Load()
	code := exitCode(waitErr, exited)

	var failErr error
	if stopping {
		failErr = &lspDomain.NotReadyError{Language: i.desc.Language, State: lspDomain.ServerStateStopped, Err: lspDomain.ErrServerStopped}
	} else {
		cause := waitErr
		if cause == nil {
			cause = streamErr
		}
		if cause == nil {
			cause = errors.New("process exited")
		}
		failErr = &lspDomain.CrashError{Language: i.desc.Language, ExitCode: code, Err: cause}
	}
	run.mux.FailAll(failErr)

	i.mu.Lock()
	var ev *lspDomain.LifecycleEvent
	if i.run == run {
		var e lspDomain.LifecycleEvent
		switch {
		case stopping:
			e = i.transitionLocked(lspDomain.ServerStateStopped, "")
		case run.failure != nil:
			e = i.transitionLocked(lspDomain.ServerStateCrashed, run.failure.Error())
		default:
			e = i.transitionLocked(lspDomain.ServerStateCrashed, failErr.Error())
		}
		ev = &e
	}
	i.mu.Unlock()

	if stopping {
		i.logger.Info("lsp server stopped", "pid", run.pid)
	} else {
		i.logger.Warn("lsp server crashed", "pid", run.pid, "exit_code", code, "error", failErr)
	}
	i.observer.ProcessExited(context.Background(), i.desc.Language, !stopping)
	if ev != nil {
		i.emit(*ev)
	}
	close(run.exited)
}

func exitCode(waitErr error, exited bool) int {
	if !exited {
		return -1
	}
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// call issues a request against a serving instance. Timeouts feed the
// breaker; an open breaker marks the instance Degraded and fails fast.
func (i *Instance) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	i.mu.Lock()
	state, run := i.state, i.run
	i.mu.Unlock()
	if !state.Serving() || run == nil {
		return nil, &lspDomain.NotReadyError{Language: i.desc.Language, State: state}
	}

	start := time.Now()
	var raw json.RawMessage
	err := i.breaker.Execute(func() error {
		var err error
		raw, err = run.mux.Request(ctx, method, params, i.opts.RequestTimeout)
		return err
	})
	i.observer.RequestFinished(ctx, i.desc.Language, method, time.Since(start), err)
	i.afterCall(run, err)

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &lspDomain.NotReadyError{Language: i.desc.Language, State: lspDomain.ServerStateDegraded, Err: err}
	}
	return raw, err
}

func (i *Instance) notify(method string, params any) error {
	i.mu.Lock()
	state, run := i.state, i.run
	i.mu.Unlock()
	if !state.Serving() || run == nil {
		return &lspDomain.NotReadyError{Language: i.desc.Language, State: state}
	}
	return run.mux.Notify(method, params)
}

func (i *Instance) afterCall(run *processRun, err error) {
	i.mu.Lock()
	if i.run != run {
		i.mu.Unlock()
		return
	}
	if err == nil || !errors.Is(err, lspDomain.ErrTimeout) && !errors.Is(err, resilience.ErrCircuitOpen) {
		i.lastActivity = time.Now()
	}

	var ev *lspDomain.LifecycleEvent
	switch bs := i.breaker.State(); {
	case i.state == lspDomain.ServerStateReady && bs == resilience.StateOpen:
		e := i.transitionLocked(lspDomain.ServerStateDegraded, fmt.Sprintf("%d consecutive request timeouts", i.opts.BreakerFailures))
		ev = &e
	case i.state == lspDomain.ServerStateDegraded && bs == resilience.StateClosed:
		e := i.transitionLocked(lspDomain.ServerStateReady, "")
		ev = &e
	}
	i.mu.Unlock()

	if ev != nil {
		if ev.To == lspDomain.ServerStateDegraded {
			i.logger.Warn("lsp server degraded", "reason", ev.Error)
		} else {
			i.logger.Info("lsp server recovered")
		}
		i.emit(*ev)
	}
}

// transitionLocked must be called with i.mu held. The returned event is
// emitted by the caller after unlocking.
func (i *Instance) transitionLocked(to lspDomain.ServerState, errMsg string) lspDomain.LifecycleEvent {
	from := i.state
	i.state = to
	switch {
	case errMsg != "":
		i.lastErr = errMsg
	case to == lspDomain.ServerStateReady || to == lspDomain.ServerStateStarting:
		i.lastErr = ""
	}

	kind := lspDomain.EventStateChanged
	switch to {
	case lspDomain.ServerStateReady:
		kind = lspDomain.EventReady
	case lspDomain.ServerStateCrashed:
		kind = lspDomain.EventCrashed
	case lspDomain.ServerStateStopped:
		kind = lspDomain.EventExited
	}

	ev := lspDomain.LifecycleEvent{
		ID:       uuid.NewString(),
		Kind:     kind,
		Language: i.desc.Language,
		From:     from,
		To:       to,
		Error:    errMsg,
		At:       time.Now().UTC(),
	}
	if i.run != nil {
		ev.PID = i.run.pid
	}
	return ev
}

func (i *Instance) emit(ev lspDomain.LifecycleEvent) {
	if i.opts.OnEvent != nil {
		i.opts.OnEvent(ev)
	}
}

func (i *Instance) relayLog(raw json.RawMessage) {
	var p logMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	// window/logMessage types: 1 error, 2 warning, 3 info, 4 log.
	switch p.Type {
	case 1:
		i.logger.Warn("lsp server error", "message", p.Message)
	default:
		i.logger.Debug("lsp server log", "type", p.Type, "message", p.Message)
	}
}

// stderrLogger forwards server stderr to the debug log line by line.
type stderrLogger struct {
	logger  *slog.Logger
	pending []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		if line := bytes.TrimSpace(w.pending[:idx]); len(line) > 0 {
			w.logger.Debug("lsp stderr", "line", string(line))
		}
		w.pending = w.pending[idx+1:]
	}
	if len(w.pending) > bufio.MaxScanTokenSize {
		w.logger.Debug("lsp stderr", "line", string(w.pending))
		w.pending = w.pending[:0]
	}
	return len(p), nil
}
