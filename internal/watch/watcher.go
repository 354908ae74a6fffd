// Package watch reports image files that appear in watched directories.
package watch

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"platesolver/internal/fsutil"
)

// Event is emitted once a new image has stopped changing for the settle delay.
type Event struct {
	Path string    `json:"path"`
	Time time.Time `json:"time"`
	Size int64     `json:"size"`
}

// Watcher monitors directories for new solvable images.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan Event
	dirs    []string
	settle  time.Duration
	log     *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// New creates a watcher for dirs. Writes to a file restart its settle timer,
// so a file still being copied is reported once, after the copy finishes.
func New(dirs []string, settle time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: fw,
		Events:  make(chan Event, 100),
		dirs:    dirs,
		settle:  settle,
		log:     logger,
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends monitoring and closes Events.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	w.stopped = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	close(w.Events)
	w.mu.Unlock()
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !fsutil.IsSolvableImage(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				w.schedule(event.Name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.cancel(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() { w.fire(path) })
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) fire(path string) {
	info, err := os.Stat(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, path)
	if w.stopped {
		return
	}
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		w.log.Debug("skipping unsettled file", "path", path)
		return
	}

	select {
	case w.Events <- Event{Path: path, Time: time.Now(), Size: info.Size()}:
	default:
		w.log.Warn("event buffer full, dropping event", "path", path)
	}
}
