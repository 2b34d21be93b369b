package config

import (
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	authcfg "github.com/wudi/authgate/config"
	"github.com/wudi/authgate/internal/logging"
)

// Watcher watches the configuration file and reloads it on change.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(*authcfg.Config)
	onError    []func(error)
	mu         sync.RWMutex
	debounce   time.Duration
	lastConfig *authcfg.Config
	timer      *time.Timer
	done       chan struct{}
	stopOnce   sync.Once
}

// NewWatcher creates a watcher and loads the initial configuration.
func NewWatcher(configPath string, loader *Loader) (*Watcher, error) {
	if loader == nil {
		loader = NewLoader()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    fsWatcher,
		loader:     loader,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		done:       make(chan struct{}),
	}

	cfg, err := w.loader.Load(configPath)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.lastConfig = cfg

	return w, nil
}

// OnChange registers a callback for successful reloads
func (w *Watcher) OnChange(callback func(*authcfg.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// OnError registers a callback for failed reloads. The previous
// configuration stays in effect.
func (w *Watcher) OnError(callback func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = append(w.onError, callback)
}

// Start begins watching for configuration changes
func (w *Watcher) Start() error {
	// Watch the directory so editors that replace the file are seen.
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// reload loads the config and notifies callbacks
func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config", zap.String("path", w.configPath), zap.Error(err))
		w.mu.RLock()
		handlers := append([]func(error){}, w.onError...)
		w.mu.RUnlock()
		for _, h := range handlers {
			h(err)
		}
		return
	}

	w.mu.Lock()
	// Editors often write a file several times per save.
	if reflect.DeepEqual(cfg, w.lastConfig) {
		w.mu.Unlock()
		logging.Debug("config file touched without changes", zap.String("path", w.configPath))
		return
	}
	w.lastConfig = cfg
	callbacks := make([]func(*authcfg.Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("path", w.configPath))

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}
