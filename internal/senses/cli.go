package senses

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/khabaznak/alphonse-agent/internal/bus"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// CLISense reads newline-delimited input and durably enqueues
// cli.message_received signals, grounded on cmd/thane's runAsk
// REPL-style loop generalized from a one-shot question to a
// continuously-running stdin reader. Inbound user messages must
// survive a restart (§4.5), so the line is written to signal_queue
// rather than published directly onto the bus; the signal queue
// poller is what actually feeds it to the FSM.
type CLISense struct {
	in     io.Reader
	store  *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCLISense constructs a CLISense reading from in (typically
// os.Stdin).
func NewCLISense(in io.Reader, s *store.Store, logger *slog.Logger) *CLISense {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLISense{in: in, store: s, logger: logger}
}

func (c *CLISense) Key() string       { return "cli" }
func (c *CLISense) Signals() []string { return []string{"cli.message_received"} }

func (c *CLISense) Start(ctx context.Context, _ *bus.Bus) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(runCtx)
	return nil
}

func (c *CLISense) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *CLISense) loop(ctx context.Context) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(c.in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			err := c.store.Signals().Enqueue(ctx, store.QueuedSignal{
				Type:   "cli.message_received",
				Source: "cli",
				Payload: map[string]any{
					"text": line,
				},
				CorrelationID: store.NewID(),
				CreatedAt:     time.Now().UTC(),
				Durable:       true,
			})
			if err != nil {
				c.logger.Error("failed to enqueue cli message", "error", err)
			}
		}
	}
}
