// Package staging writes user uploads into a directory the agent can read.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Dir stages files under Path. The zero value is not usable.
type Dir struct {
	Path string
}

func New(path string) *Dir {
	return &Dir{Path: path}
}

// Save writes data under a sanitized form of name and returns the full path.
// A file with the same sanitized name is overwritten.
func (d *Dir) Save(name string, data []byte) (string, error) {
	if d.Path == "" {
		return "", fmt.Errorf("staging directory not configured")
	}
	if err := os.MkdirAll(d.Path, 0o700); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	path := filepath.Join(d.Path, SafeName(name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// SafeName replaces every character outside [a-zA-Z0-9._-] with '_'. Names
// made only of dots become "upload" so they cannot address a parent dir.
func SafeName(name string) string {
	safe := unsafeChars.ReplaceAllString(name, "_")
	if strings.Trim(safe, ".") == "" {
		return "upload"
	}
	return safe
}
