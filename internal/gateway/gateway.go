// Package gateway is the HTTP surface described in §4.12 and §6,
// adapted from the teacher's internal/api/server.go: the same net/http
// 1.22 mux.HandleFunc("METHOD /path", ...) routing, the same SSE writer
// shape (http.Flusher flush loop), generalized from OpenAI-compatible
// chat streaming to normalized outbound-message streaming, and the same
// X-header auth check style the teacher uses for its session endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/buildinfo"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// Gateway is the single HTTP entrypoint per deployment. It implements
// actions.OutboundMessage delivery (satisfying fsm.OutboundSink and
// slices.OutboundSink) so outbound replies routed to the "api" channel
// land back on the HTTP response that triggered them, or on a streaming
// GET /events subscriber.
type Gateway struct {
	store       *store.Store
	token       string
	messageWait time.Duration
	limiter     Limiter
	logger      *slog.Logger
	server      *http.Server

	mu      sync.Mutex
	waiters map[string]chan actions.OutboundMessage              // keyed by correlation id
	streams map[string]map[chan actions.OutboundMessage]struct{} // keyed by channel target

	extraMu sync.Mutex
	extra   []extraRoute
}

type extraRoute struct {
	pattern string
	handler http.HandlerFunc
}

// Limiter gates inbound HTTP request admission, satisfied by
// senses.APISense.
type Limiter interface {
	Allow() bool
}

// Config configures a Gateway.
type Config struct {
	Store       *store.Store
	Token       string
	MessageWait time.Duration
	Limiter     Limiter
	Logger      *slog.Logger
}

// New constructs a Gateway. An empty Token disables the auth check,
// useful for local development.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wait := cfg.MessageWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &Gateway{
		store:       cfg.Store,
		token:       cfg.Token,
		messageWait: wait,
		limiter:     cfg.Limiter,
		logger:      logger,
		waiters:     make(map[string]chan actions.OutboundMessage),
		streams:     make(map[string]map[chan actions.OutboundMessage]struct{}),
	}
}

// Deliver implements the OutboundSink contract consumed by internal/fsm
// and internal/slices: it resolves any HTTP request waiting on this
// message's correlation id, and fans the message out to any GET /events
// subscriber watching its channel target. Both delivery paths are
// best-effort; a message nobody is waiting for is simply dropped, the
// same as a full fan-out subscriber on internal/bus.
func (g *Gateway) Deliver(_ context.Context, msg actions.OutboundMessage) {
	if msg.ChannelType != "api" && msg.ChannelType != "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.waiters[msg.CorrelationID]; ok {
		select {
		case ch <- msg:
		default:
		}
	}
	for ch := range g.streams[msg.ChannelTarget] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Handle registers an additional route (e.g. the webhook extremity's
// upgrade endpoint) on the gateway's mux, subject to the same auth and
// logging middleware as the built-in routes. Must be called before
// Start.
func (g *Gateway) Handle(pattern string, handler http.HandlerFunc) {
	g.extraMu.Lock()
	defer g.extraMu.Unlock()
	g.extra = append(g.extra, extraRoute{pattern: pattern, handler: handler})
}

// Mux builds the routed handler described in §6, plus any routes
// registered via Handle.
func (g *Gateway) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", g.handleMessage)
	mux.HandleFunc("GET /events", g.handleEvents)
	mux.HandleFunc("POST /status", g.handleStatus)
	mux.HandleFunc("POST /timed-signals", g.handleTimedSignals)
	mux.HandleFunc("GET /healthz", g.handleHealthz)

	g.extraMu.Lock()
	for _, rt := range g.extra {
		mux.HandleFunc(rt.pattern, rt.handler)
	}
	g.extraMu.Unlock()

	return g.withAuth(mux)
}

// Start begins serving HTTP on addr in the background, returning
// immediately; ListenAndServe errors are logged, not returned, matching
// the teacher's fire-and-forget server goroutine in cmd/thane.
func (g *Gateway) Start(addr string) {
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.withLogging(g.Mux()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: g.messageWait + 30*time.Second,
	}
	go func() {
		g.logger.Info("starting gateway", "address", addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server exited", "error", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

func (g *Gateway) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		g.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (g *Gateway) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || g.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Agent-API-Token") != g.token {
			g.errorResponse(w, http.StatusUnauthorized, "invalid or missing X-Agent-API-Token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	info := buildinfo.RuntimeInfo()
	info["status"] = "ok"
	writeJSON(w, info, g.logger)
}

type messageRequest struct {
	Channel       string         `json:"channel"`
	Text          string         `json:"text"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// handleMessage emits an api.message_received signal and blocks up to
// g.messageWait for a matching outbound reply (§6).
func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		g.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	g.emitAndWait(w, r, "api.message_received", req.CorrelationID, map[string]any{
		"channel":  req.Channel,
		"text":     req.Text,
		"metadata": req.Metadata,
	})
}

// handleStatus emits api.status_requested and returns the synchronous
// outbound reply.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CorrelationID string `json:"correlation_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	g.emitAndWait(w, r, "api.status_requested", req.CorrelationID, nil)
}

// handleTimedSignals emits api.timed_signals_requested and returns the
// synchronous outbound reply (listing or scheduling, per the bound
// action's own payload contract).
func (g *Gateway) handleTimedSignals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CorrelationID string         `json:"correlation_id,omitempty"`
		Payload       map[string]any `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g.emitAndWait(w, r, "api.timed_signals_requested", req.CorrelationID, req.Payload)
}

// emitAndWait durably enqueues the inbound signal — an HTTP request is
// exactly the "inbound user message" case §4.5 requires to survive a
// restart — and waits for the outbound reply the signal queue poller's
// eventual publish triggers. The waiter is registered before the
// enqueue, so a poller that picks the signal up at once cannot deliver
// the reply before the wait begins. The waiter is removed when the
// handler returns; a reply that arrives after messageWait finds no
// waiter and is dropped by Deliver.
func (g *Gateway) emitAndWait(w http.ResponseWriter, r *http.Request, signalType, correlationID string, payload map[string]any) {
	if g.limiter != nil && !g.limiter.Allow() {
		g.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if correlationID == "" {
		correlationID = store.NewID()
	}

	waitCh := make(chan actions.OutboundMessage, 1)
	g.mu.Lock()
	g.waiters[correlationID] = waitCh
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.waiters, correlationID)
		g.mu.Unlock()
	}()

	err := g.store.Signals().Enqueue(r.Context(), store.QueuedSignal{
		Type:          signalType,
		Source:        "gateway",
		Payload:       payload,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
		Durable:       true,
	})
	if err != nil {
		g.errorResponse(w, http.StatusServiceUnavailable, "failed to enqueue request: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.messageWait)
	defer cancel()

	select {
	case msg := <-waitCh:
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{
			"correlation_id": correlationID,
			"message":        msg.Message,
			"metadata":       msg.Metadata,
		}, g.logger)
	case <-ctx.Done():
		g.errorResponse(w, http.StatusGatewayTimeout, "no reply within the configured wait window")
	}
}

// handleEvents streams newline-delimited server-sent events of outbound
// messages routed to channel_target, the way the teacher's
// handleStreamingCompletion flushes one SSE chunk per token.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("channel_target")
	if target == "" {
		g.errorResponse(w, http.StatusBadRequest, "channel_target is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := make(chan actions.OutboundMessage, 16)
	g.mu.Lock()
	if g.streams[target] == nil {
		g.streams[target] = make(map[chan actions.OutboundMessage]struct{})
	}
	g.streams[target][ch] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.streams[target], ch)
		g.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				g.logger.Debug("failed to marshal outbound event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (g *Gateway) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, g.logger)
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}
