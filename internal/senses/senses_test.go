package senses

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestCLISense_EnqueuesOneDurableSignalPerLine confirms each input line
// lands in signal_queue marked durable, rather than going straight onto
// the bus: an inbound user message must survive a restart (§4.5).
func TestCLISense_EnqueuesOneDurableSignalPerLine(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli := NewCLISense(strings.NewReader("hello\nworld\n"), s, nil)
	b := bus.New(8, bus.Block)
	if err := cli.Start(ctx, b); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer cli.Stop()

	var claimed []store.QueuedSignal
	deadline := time.Now().Add(time.Second)
	for len(claimed) < 2 && time.Now().Before(deadline) {
		batch, err := s.Signals().Claim(ctx, "test", 10)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		claimed = append(claimed, batch...)
		if len(claimed) < 2 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	seen := map[string]bool{}
	for _, sig := range claimed {
		if !sig.Durable {
			t.Errorf("signal %q not marked durable", sig.ID)
		}
		if sig.Type != "cli.message_received" {
			t.Errorf("type = %q, want cli.message_received", sig.Type)
		}
		seen[sig.Payload["text"].(string)] = true
	}
	if !seen["hello"] || !seen["world"] {
		t.Errorf("seen = %v, want hello and world", seen)
	}
}

func TestTimerSense_FiresOnInterval(t *testing.T) {
	b := bus.New(8, bus.Block)
	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)
	go func() { <-b.FSMChannel() }()

	ts := NewTimerSense(10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ts.Start(ctx, b); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ts.Stop()

	select {
	case sig := <-sub:
		if sig.Type != "timer.fired" {
			t.Errorf("type = %q, want timer.fired", sig.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer tick")
	}
}

func TestAPISense_AllowRespectsBurstThenLimits(t *testing.T) {
	a := NewAPISense(1, 2, nil)
	if !a.Allow() {
		t.Error("expected first request within burst to be allowed")
	}
	if !a.Allow() {
		t.Error("expected second request within burst to be allowed")
	}
	if a.Allow() {
		t.Error("expected third immediate request to exceed the burst")
	}
}

func TestRegistry_StartAllStartsEveryRegisteredSense(t *testing.T) {
	b := bus.New(8, bus.Block)
	r := NewRegistry(nil)
	ts := NewTimerSense(time.Hour, nil)
	r.Register(ts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.StartAll(ctx, b); err != nil {
		t.Fatalf("start all: %v", err)
	}
	r.StopAll()
}
