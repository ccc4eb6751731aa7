package bus

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishDeliversToFSMChannel(t *testing.T) {
	b := New(4, Block)
	s := Signal{ID: "s1", Type: "cli.message_received"}
	if err := b.Publish(context.Background(), s); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case got := <-b.FSMChannel():
		if got.ID != "s1" {
			t.Errorf("FSMChannel() got id %q, want %q", got.ID, "s1")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal on FSM channel")
	}
}

func TestBus_FailFastReturnsErrQueueFull(t *testing.T) {
	b := New(1, FailFast)
	ctx := context.Background()
	if err := b.Publish(ctx, Signal{ID: "s1"}); err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}
	if err := b.Publish(ctx, Signal{ID: "s2"}); err != ErrQueueFull {
		t.Errorf("second Publish() error = %v, want ErrQueueFull", err)
	}
}

func TestBus_BlockWaitsForContextCancellation(t *testing.T) {
	b := New(1, Block)
	ctx := context.Background()
	if err := b.Publish(ctx, Signal{ID: "s1"}); err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}
	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Publish(cctx, Signal{ID: "s2"}); err != context.DeadlineExceeded {
		t.Errorf("Publish() error = %v, want DeadlineExceeded", err)
	}
}

func TestBus_SubscribeReceivesFanout(t *testing.T) {
	b := New(4, Block)
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}

	if err := b.Publish(context.Background(), Signal{ID: "s1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != "s1" {
			t.Errorf("fanout got id %q, want %q", got.ID, "s1")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanout delivery")
	}

	// the FSM consumer must also have received it independently.
	select {
	case got := <-b.FSMChannel():
		if got.ID != "s1" {
			t.Errorf("FSMChannel() got id %q, want %q", got.ID, "s1")
		}
	default:
		t.Fatal("expected signal queued on FSM channel")
	}
}

func TestBus_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := New(4, Block)
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	ctx := context.Background()
	if err := b.Publish(ctx, Signal{ID: "s1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// Second publish must not block even though the subscriber's buffer
	// of 1 is already full; it's simply dropped for that subscriber.
	done := make(chan struct{})
	go func() {
		_ = b.Publish(ctx, Signal{ID: "s2"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish() blocked on a full fan-out subscriber")
	}
}

func TestBus_ShutdownClosesFanoutAndRejectsPublish(t *testing.T) {
	b := New(4, Block)
	ch := b.Subscribe(4)
	b.Shutdown()

	if _, ok := <-ch; ok {
		t.Error("expected fanout channel to be closed after Shutdown")
	}
	if err := b.Publish(context.Background(), Signal{ID: "s1"}); err != ErrClosed {
		t.Errorf("Publish() after Shutdown error = %v, want ErrClosed", err)
	}
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	b := New(4, Block)
	ch := b.Subscribe(4)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // must not panic on double-close
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}
