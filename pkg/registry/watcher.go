package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers a registry reload when a descriptor source file changes
// on disk. A failed reload leaves the active snapshot untouched; the error
// is logged and the previous registry keeps serving.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	targets  map[string]struct{}
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// NewWatcher starts watching the registry's descriptor files.
func NewWatcher(r *Registry, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	targets := make(map[string]struct{}, len(r.paths))
	dirs := make(map[string]struct{})
	for _, path := range r.paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("resolve descriptor path: %w", err)
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	// Watch directories rather than files so editor rename-and-replace
	// saves keep delivering events.
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch directory %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		registry: r,
		watcher:  fsw,
		targets:  targets,
		cancel:   cancel,
		logger:   logger,
	}
	go w.watchLoop(ctx)
	return w, nil
}

// Close stops the watcher and cleans up resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if _, tracked := w.targets[filepath.Clean(event.Name)]; !tracked {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, func() {
				if err := w.registry.Reload(); err != nil {
					w.logger.Error("descriptor reload failed, previous registry stays active",
						"error", err)
					return
				}
				w.logger.Info("descriptor reload applied", "trigger", event.Name)
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("descriptor watcher error", "error", err)
		}
	}
}
