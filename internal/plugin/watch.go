package plugin

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the registry when anything under the plugin roots changes.
// Bursts of filesystem events collapse into a single reload.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
	reloads  chan ReloadReport
}

func NewWatcher(registry *Registry, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		registry: registry,
		watcher:  fsWatcher,
		debounce: debounce,
		logger:   registry.logger.With("component", "plugin-watcher"),
		reloads:  make(chan ReloadReport, 4),
	}, nil
}

// Reloads yields a report after every watcher-triggered reload. Reports are
// dropped if nobody is reading.
func (w *Watcher) Reloads() <-chan ReloadReport {
	return w.reloads
}

// Start adds every directory under the plugin roots and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	roots, err := resolveRoots(w.registry.roots)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			return err
		}
	}
	go w.run(ctx)
	return nil
}

func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	var (
		pending bool
		last    time.Time
	)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				// New plugin directories need their own watch.
				_ = w.addTree(event.Name)
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
				pending = true
				last = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", "error", err)

		case <-ticker.C:
			if !pending || time.Since(last) < w.debounce {
				continue
			}
			pending = false
			report, err := w.registry.Reload(ctx)
			if err != nil {
				w.logger.Error("plugin reload failed", "error", err)
				continue
			}
			select {
			case w.reloads <- report:
			default:
			}
		}
	}
}
