// Package render resolves a symbolic response_key plus variables into
// user-visible text. Actions never build user-facing strings directly;
// they hand off a key and the renderer decides the wording, so
// templates can change without touching handler logic — the same
// separation the teacher's prompt-template loader keeps between
// assembled system prompts and the code that requests them.
package render

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// Renderer resolves a response key and variables to text.
type Renderer interface {
	Render(key string, vars map[string]any) (string, error)
}

// SafeFallbackKeys are the small, deterministic set of response keys
// that must always resolve, even on a registry with no templates
// loaded (§7: "rendered from a small, deterministic set of safe
// fallback response keys when richer templates are unavailable").
var SafeFallbackKeys = []string{
	"system.unavailable.catalog",
	"system.unavailable.storage",
	"clarify.intent",
	"generic.unknown",
}

// Registry is a key -> text/template lookup, loaded from a directory of
// named template files the way the teacher's talent loader scans a
// directory of markdown files.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewRegistry creates a Registry pre-populated with the safe-fallback
// keys so a freshly booted process can always render a reply.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]*template.Template)}
	r.MustRegister("system.unavailable.catalog", "Sorry, I'm not able to process requests right now. Please try again shortly.")
	r.MustRegister("system.unavailable.storage", "Sorry, something went wrong on my end. Please try again shortly.")
	r.MustRegister("clarify.intent", "I'm not sure what you'd like me to do. Could you rephrase that?")
	r.MustRegister("generic.unknown", "I hit an internal snag handling that. I've paused to avoid making it worse.")
	r.MustRegister("ack.message_received", "Got it.")
	r.MustRegister("ack.reminder_scheduled", "Okay, I'll remind you to {{.task}} at {{.when}}.")
	r.MustRegister("reminder.fired", "Reminder: {{.task}}")
	r.MustRegister("status.summary", "State: {{.state}}. Uptime: {{.uptime}}.")
	r.MustRegister("timed_signals.summary", "{{.pending}} pending timed signal(s).")
	r.MustRegister("shutdown.ack", "Shutting down now.")
	r.MustRegister("plan.rejected", "I couldn't validate that request ({{.reason}}), so I didn't schedule it.")
	return r
}

// Register compiles and stores a template under key.
func (r *Registry) Register(key, body string) error {
	tmpl, err := template.New(key).Parse(body)
	if err != nil {
		return fmt.Errorf("compile template %q: %w", key, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[key] = tmpl
	return nil
}

// MustRegister panics on a template compile error; used only for the
// built-in safe-fallback set at construction time, never for
// operator-supplied templates.
func (r *Registry) MustRegister(key, body string) {
	if err := r.Register(key, body); err != nil {
		panic(err)
	}
}

// Keys returns every registered response key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.templates))
	for k := range r.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render resolves key against vars. An unknown key falls back to
// "generic.unknown" rather than surfacing internal details to the user.
func (r *Registry) Render(key string, vars map[string]any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[key]
	fallback := r.templates["generic.unknown"]
	r.mu.RUnlock()

	if !ok {
		tmpl = fallback
		if tmpl == nil {
			return "", fmt.Errorf("render: unknown key %q and no fallback registered", key)
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render %q: %w", key, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
