package countstat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// rawStat is the on-disk YAML shape of one catalog entry.
type rawStat struct {
	Property    string   `yaml:"property"`
	Interval    string   `yaml:"interval"`
	Kind        string   `yaml:"kind"`
	Scopes      []string `yaml:"scopes"`
	SourceEvent string   `yaml:"source_event"`
	Subgroup    bool     `yaml:"subgroup"`
	ZeroRows    string   `yaml:"zero_rows"`
	Dedup       string   `yaml:"dedup"`
}

// LoadCatalog reads *.yaml files from dir (one stat per file) into a frozen
// registry. A missing directory is valid and yields an empty registry;
// deployments may register stats programmatically instead.
func LoadCatalog(dir string) (*Registry, error) {
	registry := NewRegistry()

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		registry.Freeze()
		return registry, nil
	}
	if err != nil {
		return nil, fmt.Errorf("count stat catalog dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("count stat catalog path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading count stat catalog dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading catalog file %s: %w", path, err)
		}

		var raw rawStat
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing catalog file %s: %w", path, err)
		}
		if raw.Property == "" {
			continue // skip empty / comment-only files
		}

		scopes := make([]Scope, 0, len(raw.Scopes))
		for _, s := range raw.Scopes {
			scope, err := ParseScope(s)
			if err != nil {
				return nil, fmt.Errorf("catalog file %s: %w", path, err)
			}
			scopes = append(scopes, scope)
		}

		stat := &CountStat{
			Property:    raw.Property,
			Interval:    Interval(raw.Interval),
			Kind:        raw.Kind,
			ScopeSet:    scopes,
			SourceEvent: raw.SourceEvent,
			HasSubgroup: raw.Subgroup,
			ZeroRows:    raw.ZeroRows,
			Dedup:       raw.Dedup,
		}
		if err := registry.Register(stat); err != nil {
			return nil, fmt.Errorf("catalog file %s: %w", path, err)
		}
	}

	registry.Freeze()
	return registry, nil
}
