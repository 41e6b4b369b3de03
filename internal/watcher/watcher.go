// Package watcher hot-reloads the YAML configuration file. Only settings
// that are safe to change while the gateway runs are applied: API keys,
// auth exclusions, debug level, and request logging. Everything else
// (ports, launch mode, intercept domains) requires a restart.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
)

// ReloadCallback receives the freshly parsed configuration after a change.
type ReloadCallback func(next *config.Config)

// Watcher monitors the configuration file for content changes.
type Watcher struct {
	configPath string
	callback   ReloadCallback
	watcher    *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(configPath string, callback ReloadCallback) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		callback:   callback,
		watcher:    fsWatcher,
	}, nil
}

// Start begins watching. Events are processed until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)
	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		// Intermediate truncate-then-write state; wait for content.
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := w.lastHash != "" && w.lastHash == newHash
	w.mu.Unlock()
	if unchanged {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}

	next, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}

	w.mu.Lock()
	w.lastHash = newHash
	w.mu.Unlock()

	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.callback != nil {
		w.callback(next)
	}
}
