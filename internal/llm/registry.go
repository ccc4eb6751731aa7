package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Config selects and configures a Provider by name. Matches the
// LLM_PROVIDER environment contract (§6): provider choice never changes
// the core's call shape.
type Config struct {
	Provider string // "ollama", "openai", "opencode", ...
	BaseURL  string
	Model    string
}

// New builds the configured Provider. Unknown providers fall back to a
// NoopProvider so callers that don't strictly need an LLM don't have to
// special-case a missing configuration.
func New(cfg Config, logger *slog.Logger) Provider {
	switch cfg.Provider {
	case "ollama", "":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "llama3.2"
		}
		return NewOllamaProvider(baseURL, model, logger)
	default:
		logger.Warn("unrecognized llm provider, using noop", "provider", cfg.Provider)
		return NoopProvider{}
	}
}

// NoopProvider always fails. It lets a deployment omit an LLM entirely;
// action handlers that depend on one surface a clear error rather than
// silently succeeding with fabricated text.
type NoopProvider struct{}

func (NoopProvider) Complete(_ context.Context, _, _ string) (string, error) {
	return "", fmt.Errorf("no llm provider configured")
}
