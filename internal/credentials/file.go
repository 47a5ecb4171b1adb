package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileProvider reads a YAML or JSON credentials document from disk on every call,
// so rotated files are picked up by the next run.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider for the document at path
func NewFileProvider(path string) (*FileProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("credentials file path is required")
	}
	return &FileProvider{path: filepath.Clean(path)}, nil
}

// Credentials implements Provider
func (p *FileProvider) Credentials(_ context.Context) (*Credentials, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", p.path, err)
	}
	return parseDocument(data)
}
