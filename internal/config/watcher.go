package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"quiver/internal/logging"
)

// DebounceInterval is how long the watcher waits after the last change
// before reloading.
const DebounceInterval = 500 * time.Millisecond

// Watcher watches a target file for changes and reloads it.
type Watcher struct {
	path    string
	current *TargetFile
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	mu       sync.RWMutex
	onReload []func(*TargetFile)
	adjust   func(*TargetFile)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the target file at path, currently
// loaded as current.
func NewWatcher(path string, current *TargetFile, logger *zerolog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:    filepath.Clean(path),
		current: current,
		watcher: watcher,
		logger:  logging.Component(logger, "config.watcher"),
	}, nil
}

// Start begins watching. The directory is watched as well so that editors
// replacing the file by rename are noticed.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch target file directory: %w", err)
	}
	w.logger.Info().Str("path", w.path).Msg("Watching target file")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	w.logger.Debug().Msg("Target file watcher stopped")
	return err
}

// OnReload registers a callback invoked with every successfully reloaded
// configuration.
func (w *Watcher) OnReload(callback func(*TargetFile)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, callback)
}

// Adjust registers fn to complete every reloaded file before it is
// validated, such as with command-line overrides.
func (w *Watcher) Adjust(fn func(*TargetFile)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adjust = fn
}

// Current returns the last configuration loaded.
func (w *Watcher) Current() *TargetFile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Msg("Target file changed")

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(DebounceInterval, func() {
				if err := w.reload(); err != nil {
					w.logger.Error().Err(err).Msg("Target file reload failed")
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// reload loads the file and runs the callbacks. An invalid file keeps the
// previous configuration.
func (w *Watcher) reload() error {
	if w.ctx.Err() != nil {
		return nil
	}
	cfg, err := Read(w.path)
	if err != nil {
		return err
	}
	w.mu.RLock()
	adjust := w.adjust
	w.mu.RUnlock()
	if adjust != nil {
		adjust(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid target file %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]func(*TargetFile), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	w.logger.Info().Str("path", w.path).Msg("Target file reloaded")
	for _, callback := range callbacks {
		callback(cfg)
	}
	return nil
}
