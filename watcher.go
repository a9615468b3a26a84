package modhost

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches rapid filesystem events (editor save bursts,
// rsync sweeps) into one reload pass.
const DefaultDebounce = 500 * time.Millisecond

// SourceWatcher watches module source paths and triggers the manager's
// auto reload after a quiet period. File sources are watched through
// their parent directory so atomic save-by-rename is still seen.
type SourceWatcher struct {
	manager  *Manager
	logger   Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// WatcherOption customises a SourceWatcher.
type WatcherOption func(*SourceWatcher)

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger Logger) WatcherOption {
	return func(w *SourceWatcher) { w.logger = logger }
}

// WithDebounce overrides the quiet period before a reload pass.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *SourceWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewSourceWatcher creates a watcher driving manager.AutoReload.
func NewSourceWatcher(manager *Manager, opts ...WatcherOption) (*SourceWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}
	w := &SourceWatcher{
		manager:  manager,
		logger:   NopLogger{},
		debounce: DefaultDebounce,
		watcher:  fsw,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch adds a source path. Directories are watched recursively as of
// the directories present now; a file is watched via its parent.
func (w *SourceWatcher) Watch(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("watching %q: %w", path, err)
	}
	if !info.IsDir() {
		return w.watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return w.watcher.Add(p)
		}
		return nil
	})
}

// WatchModuleSources adds the source path of every module the factory
// knows. Modules without sources are skipped.
func (w *SourceWatcher) WatchModuleSources(factory ModuleFactory) error {
	for _, name := range factory.Names() {
		src, ok := factory.Source(name)
		if !ok {
			continue
		}
		if err := w.Watch(src); err != nil {
			return fmt.Errorf("module %q: %w", name, err)
		}
	}
	return nil
}

// Start begins watching until ctx is cancelled.
func (w *SourceWatcher) Start(ctx context.Context) error {
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

func (w *SourceWatcher) run(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			w.logger.Debug("source event", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-timer.C:
			results, err := w.manager.AutoReload(ctx)
			if err != nil {
				w.logger.Error("auto reload failed", "error", err)
			}
			if len(results) > 0 {
				w.logger.Info("auto reloaded modules", "modules", sortedKeys(results))
			}
		}
	}
}

// Stop closes the underlying watcher and waits for the loop to exit,
// bounded by ctx.
func (w *SourceWatcher) Stop(ctx context.Context) error {
	if err := w.watcher.Close(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
