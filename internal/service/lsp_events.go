package service

import (
	"context"
	"log/slog"
	"sync"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/port/broadcast"
)

const lifecycleQueueSize = 256

// LifecycleBus delivers lifecycle events to in-process subscribers and to
// external broadcasters. Subscribers receive events in emission order;
// a subscriber whose buffer is full misses events rather than stalling the
// instance that emitted them.
type LifecycleBus struct {
	logger *slog.Logger
	sinks  []broadcast.Broadcaster

	mu     sync.RWMutex
	subs   map[int]chan lspDomain.LifecycleEvent
	nextID int
	closed bool

	queue chan lspDomain.LifecycleEvent
	done  chan struct{}
}

// NewLifecycleBus starts a bus forwarding to sinks.
func NewLifecycleBus(logger *slog.Logger, sinks ...broadcast.Broadcaster) *LifecycleBus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &LifecycleBus{
		logger: logger,
		sinks:  sinks,
		subs:   make(map[int]chan lspDomain.LifecycleEvent),
		queue:  make(chan lspDomain.LifecycleEvent, lifecycleQueueSize),
		done:   make(chan struct{}),
	}
	go b.forward()
	return b
}

// Subscribe returns a channel of future events and a function that cancels
// the subscription. The channel is closed on cancel or when the bus closes.
func (b *LifecycleBus) Subscribe(buffer int) (<-chan lspDomain.LifecycleEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan lspDomain.LifecycleEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev. It never blocks.
func (b *LifecycleBus) Publish(ev lspDomain.LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("lifecycle subscriber full, event dropped", "language", ev.Language, "to", ev.To.String())
		}
	}
	if len(b.sinks) == 0 {
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.logger.Warn("lifecycle broadcast queue full, event dropped", "language", ev.Language, "to", ev.To.String())
	}
}

// Close stops forwarding and closes every subscription. Queued events are
// still delivered to the sinks before Close returns.
func (b *LifecycleBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}

func (b *LifecycleBus) forward() {
	defer close(b.done)
	for ev := range b.queue {
		for _, sink := range b.sinks {
			sink.BroadcastEvent(context.Background(), broadcast.EventLSPLifecycle, ev)
		}
	}
}
