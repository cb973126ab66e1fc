package service_test

import (
	"testing"
	"time"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
	"github.com/Strob0t/symbolforge/internal/port/broadcast"
	"github.com/Strob0t/symbolforge/internal/service"
)

func TestLifecycleBus_DeliversInOrder(t *testing.T) {
	bus := service.NewLifecycleBus(nil)
	defer bus.Close()
	events, cancel := bus.Subscribe(8)
	defer cancel()

	states := []lspDomain.ServerState{
		lspDomain.ServerStateStarting,
		lspDomain.ServerStateInitializing,
		lspDomain.ServerStateReady,
	}
	for _, s := range states {
		bus.Publish(lspDomain.LifecycleEvent{Language: "go", To: s})
	}
	for _, want := range states {
		select {
		case ev := <-events:
			if ev.To != want {
				t.Fatalf("got %s, want %s", ev.To, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no event for %s", want)
		}
	}
}

func TestLifecycleBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := service.NewLifecycleBus(nil)
	defer bus.Close()
	events, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 10 {
			bus.Publish(lspDomain.LifecycleEvent{Language: "go"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(events) != 1 {
		t.Errorf("buffered %d events, want 1", len(events))
	}
}

func TestLifecycleBus_CancelAndClose(t *testing.T) {
	sink := &recordingSink{}
	bus := service.NewLifecycleBus(nil, sink)
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatal("cancelled subscription still open")
	}

	bus.Publish(lspDomain.LifecycleEvent{Language: "python", To: lspDomain.ServerStateCrashed, Kind: lspDomain.EventCrashed})
	bus.Close()
	bus.Close()
	bus.Publish(lspDomain.LifecycleEvent{Language: "python"})

	var got []lspDomain.LifecycleEvent
	for ev := range b {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Kind != lspDomain.EventCrashed {
		t.Fatalf("subscriber got %+v", got)
	}

	sunk := sink.snapshot()
	if len(sunk) != 1 || sunk[0].Language != "python" {
		t.Fatalf("sink got %+v", sunk)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.types[0] != broadcast.EventLSPLifecycle {
		t.Errorf("event type = %q", sink.types[0])
	}

	late, _ := bus.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscription after Close is open")
	}
}
