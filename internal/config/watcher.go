package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads the config file when it changes on disk and hands the new
// configuration to onReload. Reload failures keep the previous config.
type Watcher struct {
	path     string
	onReload func(*Config)
	stopCh   chan struct{}
}

// NewWatcher builds a stopped watcher for path.
func NewWatcher(path string, onReload func(*Config)) *Watcher {
	return &Watcher{path: path, onReload: onReload, stopCh: make(chan struct{})}
}

// Start begins watching. It is a no-op when no config path is set.
func (w *Watcher) Start() {
	if w.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create file watcher, config hot reload disabled")
		return
	}

	// Watch the directory too so atomic writes (rename) are caught
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		log.WithError(err).WithField("path", w.path).Warn("failed to watch config directory")
		watcher.Close()
		return
	}
	_ = watcher.Add(w.path)

	log.WithField("path", w.path).Info("config watcher started")

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		const debounceDuration = 100 * time.Millisecond

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, w.reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")

			case <-w.stopCh:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()
}

// Stop terminates the watcher goroutine.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.WithError(err).Error("config reload failed, keeping previous configuration")
		return
	}
	log.Info("configuration reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
