package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fixtureKindVersion is the on-disk shape of one plan_kind_versions
// fixture, loaded from fixtures/plans the way the teacher's
// talents.Loader scans a directory of markdown files at boot.
type fixtureKindVersion struct {
	PlanKind    string `yaml:"plan_kind"`
	PlanVersion int    `yaml:"plan_version"`
	ExecutorKey string `yaml:"executor_key"`
	Schema      any    `yaml:"schema"`
	Example     any    `yaml:"example"`
}

// LoadFixtureDir registers every *.yaml plan kind fixture under dir.
// A directory that does not exist is not an error: plan kinds are
// optional, a deployment with no plans registers none.
func (r *Registry) LoadFixtureDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plan fixture dir %q: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read plan fixture %q: %w", path, err)
		}
		var fx fixtureKindVersion
		if err := yaml.Unmarshal(data, &fx); err != nil {
			return fmt.Errorf("parse plan fixture %q: %w", path, err)
		}
		schemaJSON, err := yamlNodeToJSON(fx.Schema)
		if err != nil {
			return fmt.Errorf("encode schema for %q: %w", path, err)
		}
		exampleJSON := ""
		if fx.Example != nil {
			exampleJSON, err = yamlNodeToJSON(fx.Example)
			if err != nil {
				return fmt.Errorf("encode example for %q: %w", path, err)
			}
		}
		if err := r.RegisterKindVersion(ctx, fx.PlanKind, fx.PlanVersion, schemaJSON, exampleJSON, fx.ExecutorKey); err != nil {
			return fmt.Errorf("register fixture %q: %w", path, err)
		}
	}
	return nil
}

// yamlNodeToJSON re-encodes a yaml.v3-decoded value (plain
// map[string]any / []any / scalars) as a JSON document string, since
// jsonschema compiles against JSON-shaped values, not YAML ones.
func yamlNodeToJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
