package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentfleet/controlplane/pkg/logging"
	"github.com/agentfleet/controlplane/pkg/monitor"
)

// DefaultDebounceDelay coalesces the write bursts editors and config
// managers produce into one reload.
const DefaultDebounceDelay = 300 * time.Millisecond

// ThresholdSink receives the reloaded alert thresholds
type ThresholdSink interface {
	SetThresholds(thresholds monitor.Thresholds)
}

// Watcher re-reads the config file when it changes on disk and pushes the
// new alert thresholds to the sink. Only thresholds hot-reload; interval and
// address changes need a restart.
type Watcher struct {
	path     string
	sink     ThresholdSink
	debounce time.Duration
	logger   *logging.StructuredLogger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer
}

// NewWatcher creates a watcher for the config file at path. The parent
// directory is watched so atomic rename-into-place updates are seen.
func NewWatcher(path string, sink ThresholdSink, logger *logging.StructuredLogger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Watcher{
		path:     path,
		sink:     sink,
		debounce: DefaultDebounceDelay,
		logger:   logger.WithComponent("config-watcher"),
		watcher:  fsWatcher,
	}, nil
}

// Start processes file events until the context is cancelled
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "config watch error", "error", err)
		}
	}
}

// Close releases the underlying filesystem watcher
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		// A half-written or invalid file keeps the previous thresholds
		w.logger.Warn(ctx, "config reload rejected", "path", w.path, "error", err)
		return
	}

	w.sink.SetThresholds(cfg.Thresholds)
	w.logger.Info(ctx, "alert thresholds reloaded",
		"cpu_warning", cfg.Thresholds.CPUWarning,
		"cpu_critical", cfg.Thresholds.CPUCritical,
		"memory_warning", cfg.Thresholds.MemoryWarning,
		"memory_critical", cfg.Thresholds.MemoryCritical)
}
