package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/piframe/pi-frame/internal/quiesce"
)

// Recorder receives normalized change signals. Record must not block.
type Recorder interface {
	Record(sig quiesce.ChangeSignal)
}

// AdapterError reports that the watch itself failed. Changes can no longer
// be observed, so it is fatal.
type AdapterError struct {
	Err  error
	Root string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("watch %s: %v", e.Root, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ErrRootRemoved is wrapped by the AdapterError returned when the watched
// directory disappears, is renamed or is unmounted.
var ErrRootRemoved = errors.New("watch root removed")

// rootCheckInterval is how often the root is checked for an unmount, which
// inotify reports by silently dropping the watch.
const rootCheckInterval = 5 * time.Second

// Watcher monitors a directory tree, filters ignored paths and forwards
// every create, write, remove and rename to a Recorder.
type Watcher struct {
	rec    Recorder
	filter *Filter
	clock  clockwork.Clock
	fsw    *fsnotify.Watcher
	root   string
	// rootDev is the device the root lived on when Run started.
	rootDev uint64
}

// New creates a Watcher for root. A nil clock uses the real clock.
func New(root string, filter *Filter, rec Recorder, clock clockwork.Clock) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if filter == nil {
		filter = NewFilter(nil)
	}
	return &Watcher{
		root:   filepath.Clean(root),
		filter: filter,
		rec:    rec,
		clock:  clock,
	}
}

// Run watches the root recursively until ctx is cancelled, returning nil,
// or until the watch fails, returning an *AdapterError.
func (w *Watcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.root)
	if err != nil {
		return &AdapterError{Root: w.root, Err: err}
	}
	if !info.IsDir() {
		return &AdapterError{Root: w.root, Err: errors.New("not a directory")}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return &AdapterError{Root: w.root, Err: err}
	}
	w.fsw = fsw
	defer fsw.Close()

	if err := w.addRecursive(w.root); err != nil {
		return &AdapterError{Root: w.root, Err: err}
	}
	dev, ok := deviceID(w.root)
	if !ok {
		return &AdapterError{Root: w.root, Err: ErrRootRemoved}
	}
	w.rootDev = dev

	ticker := w.clock.NewTicker(rootCheckInterval)
	defer ticker.Stop()

	log.Info().Str("path", w.root).Msg("watcher: now watching for file changes")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("path", w.root).Msg("watcher: stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return &AdapterError{Root: w.root, Err: errors.New("event stream closed")}
			}
			if err := w.handleEvent(ev); err != nil {
				return err
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return &AdapterError{Root: w.root, Err: errors.New("error stream closed")}
			}
			if err := w.handleError(err); err != nil {
				return err
			}

		case <-ticker.Chan():
			if err := w.checkRoot(); err != nil {
				return err
			}
		}
	}
}

// handleError decides whether an fsnotify error ends the watch. A queue
// overflow means events were lost, so it is recorded as a change.
func (w *Watcher) handleError(err error) error {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		log.Warn().Err(err).Str("path", w.root).Msg("watcher: event queue overflow")
		w.rec.Record(quiesce.ChangeSignal{
			Kind:       quiesce.Modified,
			Path:       w.root,
			OccurredAt: w.clock.Now(),
		})
		return nil
	}
	log.Error().Err(err).Str("path", w.root).Msg("watcher: fsnotify error")
	return &AdapterError{Root: w.root, Err: err}
}

// checkRoot fails once the root is no longer watched or has moved to
// another device, as happens when its filesystem is unmounted.
func (w *Watcher) checkRoot() error {
	if !slices.Contains(w.fsw.WatchList(), w.root) {
		log.Error().Str("path", w.root).Msg("watcher: watch on root was dropped")
		return &AdapterError{Root: w.root, Err: ErrRootRemoved}
	}
	dev, ok := deviceID(w.root)
	if !ok || dev != w.rootDev {
		log.Error().Str("path", w.root).Msg("watcher: root is gone or on another device")
		return &AdapterError{Root: w.root, Err: ErrRootRemoved}
	}
	return nil
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(ev fsnotify.Event) error {
	name := filepath.Clean(ev.Name)

	if name == w.root && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
		log.Error().Str("path", w.root).Str("op", ev.Op.String()).Msg("watcher: watch root went away")
		return &AdapterError{Root: w.root, Err: ErrRootRemoved}
	}

	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		rel = name
	}
	if w.filter.ShouldIgnore(rel) {
		return nil
	}

	// If a directory was created, start watching it recursively.
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if err := w.addRecursive(name); err != nil {
				log.Warn().Err(err).Str("path", name).Msg("watcher: failed to watch new directory")
			}
		}
	}

	kind, ok := mapEventKind(ev.Op)
	if !ok {
		return nil // chmod-only, not interesting
	}

	log.Debug().Str("path", name).Str("kind", string(kind)).Msg("watcher: change")
	w.rec.Record(quiesce.ChangeSignal{
		Kind:       kind,
		Path:       name,
		OccurredAt: w.clock.Now(),
	})
	return nil
}

// addRecursive walks root and adds every directory that is not ignored.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // skip inaccessible entries
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root {
			if rel, relErr := filepath.Rel(w.root, path); relErr == nil && w.filter.ShouldIgnore(rel) {
				return filepath.SkipDir
			}
		}
		if err := w.fsw.Add(path); err != nil {
			if path == root {
				return err
			}
			log.Warn().Err(err).Str("path", path).Msg("watcher: add failed")
		}
		return nil
	})
}

// mapEventKind converts an fsnotify.Op to a change kind.
func mapEventKind(op fsnotify.Op) (quiesce.ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return quiesce.Created, true
	case op.Has(fsnotify.Remove):
		return quiesce.Deleted, true
	case op.Has(fsnotify.Rename):
		return quiesce.Moved, true
	case op.Has(fsnotify.Write):
		return quiesce.Modified, true
	default:
		return "", false
	}
}
