package upstream

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store when its backing file changes on disk, so
// operator edits take effect without a restart. Events are debounced
// because editors typically emit several writes per save.
type Watcher struct {
	store    *Store
	debounce time.Duration
	fw       *fsnotify.Watcher
	stopCh   chan struct{}
}

// WatchStore starts watching the store's backing file. The parent
// directory is watched rather than the file itself so rename-based saves
// are still observed.
func WatchStore(store *Store, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(store.Path())); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		store:    store,
		debounce: debounce,
		fw:       fw,
		stopCh:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fw.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	target := filepath.Clean(w.store.Path())

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.store.Reload(); err != nil {
					log.Printf("[upstream] reload %s: %v", w.store.Path(), err)
				} else {
					log.Printf("[upstream] reloaded %s config from disk", w.store.Service())
				}
			})

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("[upstream] watch error: %v", err)

		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
