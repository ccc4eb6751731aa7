package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/signalqueue"
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

// TestGateway_MessageWaitsForMatchingOutbound exercises the full
// enqueue -> poll -> publish -> deliver loop: handleMessage no longer
// publishes directly, so a signalqueue.Poller stands in for the
// worker runServe starts in production.
func TestGateway_MessageWaitsForMatchingOutbound(t *testing.T) {
	s := newTestStore(t)
	b := bus.New(8, bus.Block)
	gw := New(Config{Store: s, MessageWait: time.Second})

	poller := signalqueue.New(signalqueue.Config{Store: s, Bus: b, Interval: 5 * time.Millisecond})
	poller.Start(context.Background())
	defer poller.Stop()

	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)

	go func() {
		sig := <-sub
		if sig.Type != "api.message_received" {
			t.Errorf("signal type = %q, want api.message_received", sig.Type)
		}
		gw.Deliver(context.Background(), actions.OutboundMessage{
			Message:       "hello back",
			ChannelType:   "api",
			CorrelationID: sig.CorrelationID,
		})
	}()
	// drain the FSM channel so Publish does not block
	go func() { <-b.FSMChannel() }()

	req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{"channel":"api","text":"hello"}`))
	w := httptest.NewRecorder()
	gw.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["message"] != "hello back" {
		t.Errorf("message = %v, want 'hello back'", resp["message"])
	}
}

func TestGateway_MessageTimesOutWithNoReply(t *testing.T) {
	s := newTestStore(t)
	gw := New(Config{Store: s, MessageWait: 20 * time.Millisecond})

	req := httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{"channel":"api","text":"hello"}`))
	w := httptest.NewRecorder()
	gw.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
}

func TestGateway_RejectsMissingAuthToken(t *testing.T) {
	s := newTestStore(t)
	gw := New(Config{Store: s, Token: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	w := httptest.NewRecorder()
	gw.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestGateway_EventsStreamsOutboundForTarget(t *testing.T) {
	s := newTestStore(t)
	gw := New(Config{Store: s})

	req := httptest.NewRequest(http.MethodGet, "/events?channel_target=room-1", nil)
	ctx, cancel := context.WithTimeout(req.Context(), time.Second)
	defer cancel()
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		gw.Mux().ServeHTTP(w, req)
		close(done)
	}()

	// Give the handler a moment to register its stream subscription.
	time.Sleep(20 * time.Millisecond)
	gw.Deliver(context.Background(), actions.OutboundMessage{
		Message:       "ping",
		ChannelType:   "api",
		ChannelTarget: "room-1",
	})

	<-done
	if !strings.Contains(w.Body.String(), "ping") {
		t.Errorf("SSE body = %q, want it to contain 'ping'", w.Body.String())
	}
}

func TestGateway_HandleMountsExtraRoute(t *testing.T) {
	s := newTestStore(t)
	gw := New(Config{Store: s})
	gw.Handle("GET /webhook", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	gw.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418 from the registered extra route", w.Code)
	}
}
