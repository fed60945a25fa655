// Package cache persists generated unit source under a configurable root
// directory. One artifact per logical unit name; the directory structure
// mirrors the dotted name with namespace and mode tokens stripped.
//
// Artifacts are plain Go source. Manual edits are honored verbatim on the
// next load: there is no checksum or staleness tracking. This is a
// trust-the-file store, not a build cache.
package cache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"conjure/internal/logging"
)

const artifactExt = ".go"

// modeTokens are namespace-mode prefixes collapsed out of cache keys.
var modeTokens = map[string]struct{}{
	"cached": {},
	"fresh":  {},
}

// Key derives the storage key for a fully-qualified unit name.
//
// The root namespace token and a leading mode token are stripped, so
// "conjure.cached.text" and "conjure.fresh.text" both collapse to "text".
// Names already free of namespace tokens pass through unchanged.
func Key(fullName string) string {
	parts := strings.Split(fullName, ".")
	if len(parts) > 0 && parts[0] == "conjure" {
		parts = parts[1:]
	}
	if len(parts) > 0 {
		if _, ok := modeTokens[parts[0]]; ok {
			parts = parts[1:]
		}
	}
	return strings.Join(parts, ".")
}

// Store maps cache keys to persisted source files.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created lazily on
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the artifact path for a key.
func (s *Store) Path(key string) string {
	rel := strings.ReplaceAll(key, ".", string(filepath.Separator))
	return filepath.Join(s.dir, rel+artifactExt)
}

// Read returns the cached source for key. The boolean reports whether an
// artifact exists; I/O failures other than absence are returned as errors.
func (s *Store) Read(key string) (string, bool, error) {
	if key == "" {
		return "", false, fmt.Errorf("cache: empty key")
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache: failed to read %s: %w", key, err)
	}
	return string(data), true, nil
}

// Write persists source under key and returns the artifact path. Failures
// propagate: the pipeline must not pretend a unit was cached when it was not.
func (s *Store) Write(key, source string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("cache: empty key")
	}
	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("cache: failed to create directory for %s: %w", key, err)
	}
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return "", fmt.Errorf("cache: failed to write %s: %w", key, err)
	}
	logging.L("cache").Debug("artifact written",
		zap.String("key", key), zap.String("path", path))
	return path, nil
}

// Delete removes the artifact for key. Missing artifacts are not an error.
func (s *Store) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("cache: empty key")
	}
	err := os.Remove(s.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: failed to delete %s: %w", key, err)
	}
	return nil
}

// Has reports whether an artifact exists for key.
func (s *Store) Has(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Clear removes every artifact and the root directory itself.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("cache: failed to clear %s: %w", s.dir, err)
	}
	return nil
}

// List returns the sorted keys of all persisted artifacts.
func (s *Store) List() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, artifactExt) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(rel, artifactExt)
		keys = append(keys, strings.ReplaceAll(rel, string(filepath.Separator), "."))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: failed to list %s: %w", s.dir, err)
	}
	sort.Strings(keys)
	return keys, nil
}
