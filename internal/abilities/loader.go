package abilities

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader scans a directory of *.yaml ability definitions, the same
// directory-scan-and-sort idiom the teacher's talents.Loader uses for
// markdown files, generalized here to parse one Ability per file
// instead of concatenating prose.
type Loader struct {
	dir string
}

// NewLoader creates an ability loader for the given directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads every *.yaml file in the loader's directory and returns
// the parsed abilities in deterministic (filename-sorted) order. A
// missing directory is not an error: a deployment with no abilities
// configured loads none.
func (l *Loader) Load() ([]Ability, error) {
	if l.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read abilities dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var out []Ability
	for _, f := range files {
		path := filepath.Join(l.dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ability %s: %w", f, err)
		}
		var a Ability
		if err := yaml.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse ability %s: %w", f, err)
		}
		out = append(out, a)
	}

	return out, nil
}

// LoadDefaults parses the abilities shipped in DefaultFiles, used to
// seed a fresh deployment before any operator-supplied abilities
// directory is configured.
func LoadDefaults() ([]Ability, error) {
	var out []Ability
	err := fs.WalkDir(DefaultFiles, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".yaml") {
			return nil
		}
		data, err := DefaultFiles.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read default ability %s: %w", path, err)
		}
		var a Ability
		if err := yaml.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("parse default ability %s: %w", path, err)
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
