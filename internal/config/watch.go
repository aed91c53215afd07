package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Dynamic holds the config keys that may change while a session runs.
// Everything else requires a restart.
type Dynamic struct {
	LogLevel            string
	TerminalPassthrough bool
	TerminalAutodetect  bool
}

func dynamicOf(cfg *Config) Dynamic {
	return Dynamic{
		LogLevel:            cfg.Log.Level,
		TerminalPassthrough: cfg.TerminalPassthrough,
		TerminalAutodetect:  cfg.AutodetectEnabled(),
	}
}

// Watcher reloads the config file on change and pushes the dynamic
// subset to subscribers. Reload failures keep the last good values.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current Dynamic
	subs    []func(Dynamic)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher primed with the current config values.
func NewWatcher(path string, cfg *Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger, current: dynamicOf(cfg)}
}

// Subscribe registers fn for dynamic updates and invokes it once with
// the current values.
func (w *Watcher) Subscribe(fn func(Dynamic)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	cur := w.current
	w.mu.Unlock()
	fn(cur)
}

// Start begins watching the config file's directory. Watching the dir
// rather than the file survives editors that rename on save.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = fsw
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx, fsw)
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fsw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fsw != nil {
		_ = fsw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	const debounce = 250 * time.Millisecond
	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous values", "path", w.path, "error", err)
		return
	}
	next := dynamicOf(cfg)

	w.mu.Lock()
	if next == w.current {
		w.mu.Unlock()
		return
	}
	w.current = next
	subs := make([]func(Dynamic), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.path)
	for _, fn := range subs {
		fn(next)
	}
}
