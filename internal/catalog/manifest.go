// ABOUTME: TOML manifest parsing for tool packs.
// ABOUTME: One file per pack; environment variables expand before decode.

package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// PackInfo identifies the pack a manifest declares.
type PackInfo struct {
	ID      string `toml:"id"`
	Version string `toml:"version"`
}

// Manifest is the decoded form of one pack manifest file.
type Manifest struct {
	Pack  PackInfo     `toml:"pack"`
	Tools []Descriptor `toml:"tools"`
}

// LoadManifest reads, expands, decodes, and validates one manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var m Manifest
	if _, err := toml.Decode(expanded, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", filepath.Base(path), err)
	}

	if m.Pack.ID == "" {
		return nil, fmt.Errorf("manifest %s: pack.id is required", filepath.Base(path))
	}
	if len(m.Tools) == 0 {
		return nil, fmt.Errorf("manifest %s: no tools declared", filepath.Base(path))
	}
	for i := range m.Tools {
		if err := m.Tools[i].Validate(); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
		}
		m.Tools[i].Pack = m.Pack.ID
	}
	return &m, nil
}

// ManifestPaths lists the manifest files in a directory, sorted by name.
func ManifestPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest dir: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}
