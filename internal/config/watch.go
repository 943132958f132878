package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands the
// freshly decoded config to the callback. Invalid edits are logged and
// ignored so a half-saved file never takes the daemon down.
type Watcher struct {
	path     string
	log      *slog.Logger
	onChange func(*Config)

	mu    sync.Mutex
	timer *time.Timer
}

// debounce collapses the burst of events editors emit for one save.
const debounce = 200 * time.Millisecond

func NewWatcher(path string, log *slog.Logger, onChange func(*Config)) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{path: path, log: log, onChange: onChange}
}

// Start begins watching. viper keeps the watch goroutine for the lifetime of
// the process.
func (w *Watcher) Start() {
	v := newViper()
	v.SetConfigFile(w.path)
	if err := v.ReadInConfig(); err != nil {
		w.log.Warn("config watch disabled", "path", w.path, "error", err)
		return
	}
	v.OnConfigChange(w.handle)
	v.WatchConfig()
}

func (w *Watcher) handle(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounce, func() { w.Reload() })
}

// Reload re-reads the file and invokes the callback on success.
// It reports whether the new config was applied.
func (w *Watcher) Reload() bool {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload failed", "path", w.path, "error", err)
		return false
	}
	w.log.Info("config reloaded", "path", w.path, "nodes", len(cfg.Nodes))
	if w.onChange != nil {
		w.onChange(cfg)
	}
	return true
}
