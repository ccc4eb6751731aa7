package extremities

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/khabaznak/alphonse-agent/internal/actions"
)

// CLIExtremity writes outbound messages to an io.Writer (typically
// os.Stdout), the counterpart to senses.CLISense.
type CLIExtremity struct {
	out    io.Writer
	logger *slog.Logger
	mu     sync.Mutex
}

// NewCLIExtremity constructs a CLIExtremity writing to out.
func NewCLIExtremity(out io.Writer, logger *slog.Logger) *CLIExtremity {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIExtremity{out: out, logger: logger}
}

func (c *CLIExtremity) Key() string { return "cli" }

func (c *CLIExtremity) Deliver(_ context.Context, msg actions.OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.out, msg.Message); err != nil {
		c.logger.Error("failed to write cli outbound message", "error", err)
	}
}
