// Package llm defines the narrow contract action handlers use to call a
// language model. The core never depends on which provider answers it;
// selection happens once, at wiring time, by environment.
package llm

import "context"

// Provider answers a single-turn completion request. Implementations are
// external collaborators: the core only ever calls Complete.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
