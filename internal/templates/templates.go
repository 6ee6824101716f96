// Package templates provides the embedded workflow definitions with user override support.
// Definitions are loaded with resolution order:
// 1. Explicit file path (automation.workflow_file)
// 2. Embedded default: internal/templates/{name}.toml
package templates

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed *.toml
var fs embed.FS

// DefaultWorkflow is the embedded definition for the enrollment portal
const DefaultWorkflow = "portal_workflow"

// Source is raw definition content and the format it is written in
type Source struct {
	Name   string
	Format string // "toml" or "yaml"
	Data   []byte
}

// GetWorkflow loads the definition at path, or the embedded default when path is empty
func GetWorkflow(path string) (*Source, error) {
	if path == "" {
		return Embedded(DefaultWorkflow)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	format := "toml"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".toml":
	default:
		return nil, fmt.Errorf("workflow file %s: unsupported extension (use .toml, .yaml or .yml)", path)
	}

	return &Source{Name: path, Format: format, Data: data}, nil
}

// Embedded returns an embedded definition by name
func Embedded(name string) (*Source, error) {
	data, err := fs.ReadFile(name + ".toml")
	if err != nil {
		return nil, fmt.Errorf("embedded workflow %s not found: %w", name, err)
	}
	return &Source{Name: name, Format: "toml", Data: data}, nil
}
