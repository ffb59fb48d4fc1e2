package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/taskhive/taskhive-go/pkg/log"
)

// Watcher signals writes to the credential database file so the token
// rotation check can run ahead of its next poll tick. It watches the parent
// directory rather than the file itself: SQLite in WAL mode touches the -wal
// and -shm companions, and watching the directory also survives atomic
// replaces without re-adding.
type Watcher struct {
	fsw       *fsnotify.Watcher
	events    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    *log.Logger
}

// NewWatcher starts watching the database at dbPath. Callers must Close it.
func NewWatcher(dbPath string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	dir := filepath.Dir(dbPath)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	w := &Watcher{
		fsw:    fsw,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: log.ForComponent("storage"),
	}
	go w.run(filepath.Base(dbPath))
	return w, nil
}

func (w *Watcher) run(base string) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// React to write, create, rename, and remove events; the database
			// family is taskhive.db plus the -wal/-shm companions.
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				w.logger.Debugf("credential store changed: %s (event: %s)", event.Name, event.Op.String())
				select {
				case w.events <- struct{}{}:
				default:
					// A signal is already pending; bursts coalesce.
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("credential store watcher error: %v", err)
		}
	}
}

// Events delivers at least one signal after any change to the database file
// family. Signals carry no payload; consumers re-read the store.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
