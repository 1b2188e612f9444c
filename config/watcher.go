package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceInterval is how long the watcher waits for writes to settle before reloading.
const DefaultDebounceInterval = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	file     string
	current  *ProxyConfig
	onChange func(*ProxyConfig)
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for configFile. onChange is invoked with every
// successfully loaded configuration that differs from the previous one.
//
// Parameters:
// - configFile: The path to the configuration file.
// - current: The configuration currently in use.
// - onChange: A callback function to invoke when the configuration changes.
// - logger: A logger to log messages.
func NewWatcher(configFile string, current *ProxyConfig, onChange func(*ProxyConfig), logger *slog.Logger) *Watcher {
	return &Watcher{
		file:     configFile,
		current:  current,
		onChange: onChange,
		logger:   logger,
		debounce: DefaultDebounceInterval,
	}
}

// Watch blocks until ctx is cancelled, reloading the configuration on every change.
// The parent directory is watched so that editors replacing the file are noticed.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	target, err := filepath.Abs(w.file)
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	w.logger.Info("Watching configuration file", "path", target)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Configuration watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	newConfig, err := LoadConfiguration(w.file)
	if err != nil {
		w.logger.Error("Error loading configuration, keeping previous one", "error", err)
		return
	}

	w.mu.Lock()
	changed := IsConfigDifferent(w.current, newConfig)
	if changed {
		w.current = newConfig
	}
	w.mu.Unlock()

	if changed {
		w.onChange(newConfig)
		w.logger.Info("Configuration reloaded successfully")
	}
}
