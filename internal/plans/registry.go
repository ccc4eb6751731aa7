// Package plans is the Plan Registry & Executor described in §4.8: a
// versioned (plan_kind, plan_version) -> schema index, validated with
// santhosh-tekuri/jsonschema/v6, and a claim/validate/dispatch loop over
// queued plan instances — the same Store/worker-loop shape as the
// teacher's scheduler, generalized from timer firing to plan dispatch.
package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/khabaznak/alphonse-agent/internal/actions"
	"github.com/khabaznak/alphonse-agent/internal/store"
)

// ExecutorFunc runs one claimed plan instance and returns an
// ActionResult-shaped outcome, mirroring actions.Func's shape (§4.8).
type ExecutorFunc func(ctx context.Context, instance store.PlanInstance, rt *actions.Runtime) actions.Result

// Registry holds every registered (plan_kind, plan_version) schema and
// the executor_key -> ExecutorFunc map the Executor dispatches through.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
	schemas   map[string]*jsonschema.Schema // cache key: kind\x00version
	store     *store.Store
}

// NewRegistry creates an empty plan registry bound to store s.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{
		executors: make(map[string]ExecutorFunc),
		schemas:   make(map[string]*jsonschema.Schema),
		store:     s,
	}
}

// RegisterExecutor adds or replaces an executor under key.
func (r *Registry) RegisterExecutor(key string, fn ExecutorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[key] = fn
}

// RegisterKindVersion persists a (kind, version) schema into the store
// and primes the in-memory compiled-schema cache. schemaJSON must be a
// valid JSON Schema document; exampleJSON is optional and used only for
// operator documentation.
func (r *Registry) RegisterKindVersion(ctx context.Context, kind string, version int, schemaJSON, exampleJSON, executorKey string) error {
	if err := r.store.Plans().RegisterKindVersion(ctx, store.PlanKindVersion{
		PlanKind:    kind,
		PlanVersion: version,
		SchemaJSON:  schemaJSON,
		ExampleJSON: exampleJSON,
		ExecutorKey: executorKey,
	}); err != nil {
		return fmt.Errorf("register plan kind %q v%d: %w", kind, version, err)
	}
	compiled, err := compileSchema(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema for %q v%d: %w", kind, version, err)
	}
	r.mu.Lock()
	r.schemas[schemaCacheKey(kind, version)] = compiled
	r.mu.Unlock()
	return nil
}

func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resourceName := fmt.Sprintf("plan-schema-%d.json", time.Now().UnixNano())
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func schemaCacheKey(kind string, version int) string {
	return fmt.Sprintf("%s\x00%d", kind, version)
}

// ValidatePayload checks payload against the compiled schema for
// (kind, version), compiling and caching it on first use if the kind
// was registered directly into the store rather than through
// RegisterKindVersion (e.g. a seed loaded by another process).
func (r *Registry) ValidatePayload(ctx context.Context, kind string, version int, payload map[string]any) error {
	schema, err := r.schemaFor(ctx, kind, version)
	if err != nil {
		return err
	}
	// jsonschema validates against decoded JSON values (map[string]any,
	// []any, float64, etc.); round-trip through JSON to normalize Go
	// types the same way a wire payload would arrive.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload validation failed: %w", err)
	}
	return nil
}

func (r *Registry) schemaFor(ctx context.Context, kind string, version int) (*jsonschema.Schema, error) {
	key := schemaCacheKey(kind, version)
	r.mu.RLock()
	schema, ok := r.schemas[key]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	kv, err := r.store.Plans().KindVersion(ctx, kind, version)
	if err != nil {
		return nil, fmt.Errorf("lookup plan kind %q v%d: %w", kind, version, err)
	}
	compiled, err := compileSchema(kv.SchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q v%d: %w", kind, version, err)
	}
	r.mu.Lock()
	r.schemas[key] = compiled
	r.mu.Unlock()
	return compiled, nil
}

// Executor returns the registered executor for executorKey.
func (r *Registry) Executor(executorKey string) (ExecutorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.executors[executorKey]
	return fn, ok
}

// KindVersion exposes the underlying store lookup so the Executor can
// find executor_key and is_deprecated for a claimed instance.
func (r *Registry) KindVersion(ctx context.Context, kind string, version int) (store.PlanKindVersion, error) {
	return r.store.Plans().KindVersion(ctx, kind, version)
}
