package fsnotify

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	"go.uber.org/atomic"
)

// Watcher watches files. The parent directory of a file is watched so atomic
// replacements (write to temp file + rename) made by editors and config maps are noticed.
type Watcher struct {
	private struct {
		mutex           sync.RWMutex
		files           map[string]uint32
		dirs            map[string]uint32
		w               *fsnotify.Watcher
		onEventHandlers []*func(event fsnotify.Event)
	}
	logger   log.Logger
	done     chan struct{}
	closed   atomic.Bool
	finished sync.WaitGroup
}

type (
	Event = fsnotify.Event
	Op    = fsnotify.Op
)

const (
	Create = fsnotify.Create
	Remove = fsnotify.Remove
	Rename = fsnotify.Rename
	Chmod  = fsnotify.Chmod
	Write  = fsnotify.Write
)

func NewWatcher(logger log.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	watcher := Watcher{
		logger: logger,
		done:   make(chan struct{}),
	}
	watcher.private.w = w
	watcher.private.files = make(map[string]uint32)
	watcher.private.dirs = make(map[string]uint32)
	watcher.finished.Add(1)
	go watcher.run()
	return &watcher, nil
}

// Add starts watching the file. A file can be added multiple times, it is
// unwatched after the same number of Remove calls.
func (w *Watcher) Add(name string) error {
	name = filepath.Clean(name)
	w.private.mutex.Lock()
	defer w.private.mutex.Unlock()
	if _, ok := w.private.files[name]; ok {
		w.private.files[name]++
		return nil
	}
	dir := filepath.Dir(name)
	if w.private.dirs[dir] == 0 {
		if err := w.private.w.Add(dir); err != nil {
			return fmt.Errorf("cannot watch %v: %w", dir, err)
		}
	}
	w.private.dirs[dir]++
	w.private.files[name] = 1
	return nil
}

func (w *Watcher) Remove(name string) error {
	name = filepath.Clean(name)
	w.private.mutex.Lock()
	defer w.private.mutex.Unlock()
	if _, ok := w.private.files[name]; !ok {
		return fmt.Errorf("%v is not watched", name)
	}
	w.private.files[name]--
	if w.private.files[name] > 0 {
		return nil
	}
	delete(w.private.files, name)
	dir := filepath.Dir(name)
	w.private.dirs[dir]--
	if w.private.dirs[dir] > 0 {
		return nil
	}
	delete(w.private.dirs, dir)
	return w.private.w.Remove(dir)
}

func (w *Watcher) AddOnEventHandler(onEventHandler *func(event fsnotify.Event)) {
	if onEventHandler == nil {
		return
	}
	w.private.mutex.Lock()
	defer w.private.mutex.Unlock()
	for _, handler := range w.private.onEventHandlers {
		if handler == onEventHandler {
			return
		}
	}
	w.private.onEventHandlers = append(w.private.onEventHandlers, onEventHandler)
}

func (w *Watcher) RemoveOnEventHandler(onEventHandler *func(event fsnotify.Event)) {
	if onEventHandler == nil {
		return
	}
	w.private.mutex.Lock()
	defer w.private.mutex.Unlock()
	for i, handler := range w.private.onEventHandlers {
		if handler == onEventHandler {
			w.private.onEventHandlers = append(w.private.onEventHandlers[:i], w.private.onEventHandlers[i+1:]...)
			return
		}
	}
}

func (w *Watcher) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := w.private.w.Close()
	close(w.done)
	w.finished.Wait()
	w.private.mutex.Lock()
	defer w.private.mutex.Unlock()
	w.private.files = make(map[string]uint32)
	w.private.dirs = make(map[string]uint32)
	return err
}

func (w *Watcher) handlersFor(name string) []*func(event fsnotify.Event) {
	w.private.mutex.RLock()
	defer w.private.mutex.RUnlock()
	if _, ok := w.private.files[filepath.Clean(name)]; !ok {
		return nil
	}
	handlers := make([]*func(event fsnotify.Event), len(w.private.onEventHandlers))
	copy(handlers, w.private.onEventHandlers)
	return handlers
}

func (w *Watcher) run() {
	defer w.finished.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.private.w.Events:
			if !ok {
				return
			}
			for _, handler := range w.handlersFor(event.Name) {
				(*handler)(event)
			}
		case err, ok := <-w.private.w.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Errorf("fsnotify error: %v", err)
			}
		}
	}
}
