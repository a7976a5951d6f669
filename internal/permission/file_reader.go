package permission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileReader is a permission Reader backed by a per-tenant YAML file. The
// file is loaded once at construction and read-only afterwards.
type FileReader struct {
	identities map[string]map[string][]string
	defaults   map[string][]string
}

type permissionsFile struct {
	Identities map[string]map[string][]string `yaml:"identities"`
	Default    map[string][]string            `yaml:"default"`
}

// NewFileReader loads permissions from path.
func NewFileReader(path string) (*FileReader, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read permissions %s: %w", path, err)
	}

	var f permissionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse permissions: %w", err)
	}

	return &FileReader{
		identities: f.Identities,
		defaults:   f.Default,
	}, nil
}

// ResourcePermissions returns the permitted resource names for the identity,
// falling back to the default entry for unknown identities.
func (r *FileReader) ResourcePermissions(_ context.Context, resourceClass, identity string) ([]string, error) {
	if classes, ok := r.identities[identity]; ok {
		return classes[resourceClass], nil
	}
	return r.defaults[resourceClass], nil
}
