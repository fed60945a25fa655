package cache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"conjure/internal/logging"
)

// EventOp describes what happened to a cache artifact on disk.
type EventOp int

const (
	// OpWrite covers creation and modification of an artifact.
	OpWrite EventOp = iota
	// OpRemove covers deletion or renaming away of an artifact.
	OpRemove
)

func (op EventOp) String() string {
	if op == OpRemove {
		return "remove"
	}
	return "write"
}

// Event reports an external change to a cached artifact. Manual edits are
// legitimate: the store trusts files verbatim, so a watch is the only way a
// long-running consumer learns the cache changed underneath it.
type Event struct {
	Key  string
	Path string
	Op   EventOp
}

// Watch blocks until ctx is canceled, invoking fn for every artifact change
// under the store root. Subdirectories created while watching are picked up.
func (s *Store) Watch(ctx context.Context, fn func(Event)) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("cache: failed to create watch root %s: %w", s.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cache: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	addTree := func(root string) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
	}
	if err := addTree(s.dir); err != nil {
		return fmt.Errorf("cache: failed to watch %s: %w", s.dir, err)
	}

	log := logging.L("cache")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(ev.Name); err != nil {
						log.Warn("failed to watch new directory", zap.String("dir", ev.Name), zap.Error(err))
					}
					continue
				}
			}
			if !strings.HasSuffix(ev.Name, artifactExt) {
				continue
			}
			key, err := s.keyForPath(ev.Name)
			if err != nil {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				fn(Event{Key: key, Path: ev.Name, Op: OpRemove})
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				fn(Event{Key: key, Path: ev.Name, Op: OpWrite})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", zap.Error(err))
		}
	}
}

func (s *Store) keyForPath(path string) (string, error) {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return "", err
	}
	rel = strings.TrimSuffix(rel, artifactExt)
	return strings.ReplaceAll(rel, string(filepath.Separator), "."), nil
}
