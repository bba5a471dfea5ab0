package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/nullterm/internal/logger"
)

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	path string
	log  *logger.Logger

	mu      sync.Mutex
	current *Config
	subs    []func(*Config)
}

func NewWatcher(path string, initial *Config, log *logger.Logger) *Watcher {
	return &Watcher{path: path, current: initial, log: log.Named("config")}
}

// Subscribe registers fn to receive every successfully reloaded config.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the parent directory (editors replace files via rename) until
// ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("reload %s: %v", w.path, err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := append([]func(*Config){}, w.subs...)
	w.mu.Unlock()

	w.log.Info("reloaded %s", w.path)
	for _, fn := range subs {
		fn(cfg)
	}
}
