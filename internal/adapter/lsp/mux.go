package lsp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
)

// DefaultRequestTimeout applies when a request is issued without a timeout.
const DefaultRequestTimeout = 10 * time.Second

// sender is the write half of a Channel.
type sender interface {
	Send(msg *Message) error
}

type response struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	method string
	issued time.Time
	done   chan response // buffered; receives exactly one value
	timer  *time.Timer
}

// Mux correlates outbound requests with inbound responses for one server
// instance. Ids are allocated monotonically and never reused; at most one
// pending entry exists per id.
type Mux struct {
	out    sender
	logger *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	failed  error // once set, every request fails with it

	notifyMu sync.RWMutex
	handlers map[string]func(json.RawMessage)
}

// NewMux creates a multiplexer writing through out.
func NewMux(out sender, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		out:      out,
		logger:   logger,
		pending:  make(map[int64]*pendingRequest),
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// HandleNotification registers fn for server notifications of method.
func (m *Mux) HandleNotification(method string, fn func(json.RawMessage)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.handlers[method] = fn
}

// Request sends method and waits for its response. It fails with a
// TimeoutError when no response arrives within timeout, with the crash
// error passed to FailAll when the instance dies, or with ctx.Err() when
// the caller gives up (the server is then asked to cancel).
func (m *Mux) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	id := m.nextID.Add(1)
	msg, err := newMessage(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		method: method,
		issued: time.Now(),
		done:   make(chan response, 1),
	}

	m.mu.Lock()
	if m.failed != nil {
		err := m.failed
		m.mu.Unlock()
		return nil, err
	}
	m.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { m.expire(id, timeout) })
	m.mu.Unlock()

	if err := m.out.Send(msg); err != nil {
		m.remove(id)
		return nil, err
	}

	select {
	case resp := <-p.done:
		return resp.result, resp.err
	case <-ctx.Done():
		if m.remove(id) {
			m.cancel(id)
		}
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (m *Mux) Notify(method string, params any) error {
	m.mu.Lock()
	failed := m.failed
	m.mu.Unlock()
	if failed != nil {
		return failed
	}

	msg, err := newMessage(0, method, params)
	if err != nil {
		return err
	}
	return m.out.Send(msg)
}

// Dispatch routes one inbound message. Responses resolve their pending
// request; responses for unknown or expired ids are dropped. Server
// requests receive a null result so the server never blocks on us.
func (m *Mux) Dispatch(msg *Message) {
	switch {
	case msg.IsResponse():
		m.resolve(msg)
	case msg.IsRequest():
		go m.replyToServer(msg)
	case msg.IsNotification():
		m.notifyMu.RLock()
		fn := m.handlers[msg.Method]
		m.notifyMu.RUnlock()
		if fn != nil {
			fn(msg.Params)
			return
		}
		m.logger.Debug("lsp notification ignored", "method", msg.Method)
	default:
		m.logger.Debug("lsp: dropped message without method or id")
	}
}

// FailAll rejects every pending request with err and makes all later
// requests fail with it.
func (m *Mux) FailAll(err error) {
	m.mu.Lock()
	if m.failed == nil {
		m.failed = err
	}
	pending := m.pending
	m.pending = make(map[int64]*pendingRequest)
	m.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.done <- response{err: err}
	}
}

// Pending returns the number of in-flight requests.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// LastID returns the most recently allocated request id.
func (m *Mux) LastID() int64 { return m.nextID.Load() }

func (m *Mux) resolve(msg *Message) {
	id, ok := msg.IntID()
	if !ok {
		m.logger.Debug("lsp: dropped response with non-numeric id", "id", string(msg.ID))
		return
	}

	m.mu.Lock()
	p := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()

	if p == nil {
		m.logger.Debug("lsp: dropped response for unknown id", "id", id)
		return
	}
	p.timer.Stop()

	if msg.Error != nil {
		p.done <- response{err: &lspDomain.ProtocolError{
			Method:  p.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
		}}
		return
	}
	p.done <- response{result: msg.Result}
}

func (m *Mux) expire(id int64, after time.Duration) {
	m.mu.Lock()
	p := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()

	if p == nil {
		return
	}
	m.logger.Warn("lsp request timed out", "method", p.method, "id", id, "after", after)
	p.done <- response{err: &lspDomain.TimeoutError{Method: p.method, ID: id, After: after}}
}

// remove drops a pending entry and reports whether it was still present.
func (m *Mux) remove(id int64) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
	return ok
}

func (m *Mux) cancel(id int64) {
	if err := m.Notify(MethodCancelRequest, cancelParams{ID: id}); err != nil {
		m.logger.Debug("lsp: cancel request failed", "id", id, "error", err)
	}
}

// replyToServer answers a server-initiated request. workspace/configuration
// expects one entry per requested item.
func (m *Mux) replyToServer(req *Message) {
	result := json.RawMessage("null")
	if req.Method == MethodWorkspaceConfiguration {
		var params configurationParams
		if err := json.Unmarshal(req.Params, &params); err == nil {
			nulls := make([]any, len(params.Items))
			if raw, err := json.Marshal(nulls); err == nil {
				result = raw
			}
		}
	}

	reply := &Message{JSONRPC: JSONRPCVersion, ID: req.ID, Result: result}
	if err := m.out.Send(reply); err != nil {
		m.logger.Debug("lsp: reply to server request failed", "method", req.Method, "error", err)
	}
}
