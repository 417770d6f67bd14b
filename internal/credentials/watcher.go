package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/relaydeck/relaydeck/internal/logger"
)

// Watcher reads the bearer token from a file maintained by the auth layer and
// pushes updates whenever that file changes. The token is read-only from the
// connectivity subsystem's point of view; this is the boundary where the
// external auth collaborator hands it over.
type Watcher struct {
	path    string
	apply   func(token string)
	watcher *fsnotify.Watcher
	stop    chan struct{}
	log     *logger.Logger

	mu   sync.Mutex
	last string
}

// NewWatcher creates a token-file watcher. apply is invoked with the current
// token on Start and with every subsequent change; a missing or empty file
// yields an empty token.
func NewWatcher(path string, apply func(token string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:    path,
		apply:   apply,
		watcher: fw,
		stop:    make(chan struct{}),
		log:     logger.Global().WithPrefix("credentials"),
	}, nil
}

// Start applies the current token and begins watching for changes. The parent
// directory is watched rather than the file itself so atomic rename-in-place
// updates are seen.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	w.reload()
	go w.loop()
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("token watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	token := ""
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("failed to read token file: %v", err)
		}
	} else {
		token = strings.TrimSpace(string(data))
	}

	w.mu.Lock()
	changed := token != w.last
	w.last = token
	w.mu.Unlock()

	if !changed {
		return
	}

	if token == "" {
		w.log.Info("token cleared")
	} else {
		w.log.Info("token updated")
	}
	w.apply(token)
}
