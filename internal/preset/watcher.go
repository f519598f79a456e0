package preset

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the registry when YAML files in the preset directory
// change. Edits are debounced so an editor's write-rename dance triggers
// one reload, not five.
type Watcher struct {
	dir      string
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	dirtyAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatcher(dir string, registry *Registry, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		registry: registry,
		watcher:  fsw,
		debounce: 300 * time.Millisecond,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Watch loads the directory once, then keeps the registry in sync with it.
func (w *Watcher) Watch() error {
	if err := w.reload(); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.dirtyAt = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("preset watcher error", "err", err)

		case <-ticker.C:
			w.mu.Lock()
			dirty := !w.dirtyAt.IsZero() && time.Since(w.dirtyAt) >= w.debounce
			if dirty {
				w.dirtyAt = time.Time{}
			}
			w.mu.Unlock()

			if dirty {
				if err := w.reload(); err != nil {
					w.logger.Warn("preset reload failed", "err", err)
				}
			}
		}
	}
}

func (w *Watcher) reload() error {
	presets, err := LoadFromDirectory(w.dir, w.logger)
	if err != nil {
		return err
	}
	w.registry.Reload(presets)
	return nil
}

// Close stops watching. Safe to call before Watch.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	return w.watcher.Close()
}

func isYAML(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
