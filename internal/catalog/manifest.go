package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed library.yml
var builtinManifest []byte

// Default returns the embedded built-in library.
func Default() *Manifest {
	m, err := Parse(builtinManifest)
	if err != nil {
		// The embedded manifest is validated by tests; a failure here is a
		// build defect, not a runtime condition.
		panic(fmt.Sprintf("catalog: embedded manifest invalid: %v", err))
	}
	return m
}

// Parse decodes and validates a YAML manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	return &m, nil
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}
