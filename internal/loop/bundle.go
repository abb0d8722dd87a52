package loop

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bundle is the on-disk YAML shape for exporting and seeding a
// workspace together with its loops, using gopkg.in/yaml.v3 for
// portable workspace/loop snapshots instead of a concern-chain pipeline
// definition.
type Bundle struct {
	Workspace Workspace `yaml:"workspace"`
	Loops     []Config  `yaml:"loops,omitempty"`
}

// ExportBundle marshals a workspace and its loop configs to YAML.
func ExportBundle(b Bundle) ([]byte, error) {
	out, err := yaml.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshaling bundle: %w", err)
	}
	return out, nil
}

// WriteBundle writes a Bundle to path as YAML.
func WriteBundle(path string, b Bundle) error {
	data, err := ExportBundle(b)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadBundle loads a Bundle previously written by WriteBundle.
func ReadBundle(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("reading bundle: %w", err)
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("parsing bundle %s: %w", path, err)
	}
	return b, nil
}
