package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pithecene-io/codechat/log"
)

// DefaultDebounce is how long the watcher waits for events to settle.
// Editors often emit several events for one save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reports batches of changed workspace files.
type Watcher struct {
	enum     *Enumerator
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger

	changes   chan []string
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher watches every non-ignored directory under the enumerator's root.
// A zero debounce selects DefaultDebounce; a nil logger discards.
func NewWatcher(enum *Enumerator, debounce time.Duration, logger *log.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = log.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		enum:     enum,
		fsw:      fsw,
		debounce: debounce,
		logger:   logger,
		changes:  make(chan []string, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := w.addTree(enum.Root()); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Changes delivers sorted relative paths of supported files that were
// written, created, removed or renamed. Batches not yet received are merged.
// The channel is closed when the watcher stops.
func (w *Watcher) Changes() <-chan []string {
	return w.changes
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

// addTree adds dir and its non-ignored subdirectories; fsnotify is not
// recursive.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.enum.Root() && w.enum.ignoredName(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			if p == dir {
				return err
			}
			w.logger.Debug("cannot watch directory", map[string]any{"path": p, "error": err.Error()})
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	defer close(w.changes)

	timer := time.NewTimer(0)
	<-timer.C

	pending := make(map[string]struct{})

	for {
		select {
		case <-w.stopCh:
			timer.Stop()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					rel, ok := w.enum.Rel(event.Name)
					if ok && !w.enum.Ignored(rel) {
						if err := w.addTree(event.Name); err != nil {
							w.logger.Debug("cannot watch new directory", map[string]any{"path": event.Name, "error": err.Error()})
						}
					}
					continue
				}
			}
			rel, ok := w.enum.Rel(event.Name)
			if !ok || !w.enum.Supported(rel) {
				continue
			}
			w.enum.Forget(rel)
			pending[rel] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]string, 0, len(pending))
			for rel := range pending {
				batch = append(batch, rel)
			}
			pending = make(map[string]struct{})
			w.publish(batch)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("file watcher overflowed; changes may be missed", nil)
				continue
			}
			w.logger.Debug("file watcher error", map[string]any{"error": err.Error()})
		}
	}
}

// publish hands a batch to the consumer without blocking, merging it with an
// unreceived batch if there is one. loop is the only sender.
func (w *Watcher) publish(batch []string) {
	select {
	case w.changes <- sortedUnique(batch):
		return
	default:
	}
	select {
	case prev := <-w.changes:
		batch = append(batch, prev...)
	default:
	}
	w.changes <- sortedUnique(batch)
}

func sortedUnique(paths []string) []string {
	slices.Sort(paths)
	return slices.Compact(paths)
}
