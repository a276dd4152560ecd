// Package watcher observes create/modify/delete events beneath one or more
// watched subtrees and exposes the blocking Wait contract spec.md §4.2
// defines, including the disregard/regard self-induced-write suppression
// the transfer worker relies on. Built on github.com/fsnotify/fsnotify, a
// direct teacher dependency; grounded on the §9 design note that models the
// suppression set as a small path->threshold_mtime map under its own lock.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Status classifies one observed change.
type Status int

const (
	Modified Status = iota
	Deleted
)

// Event is one filesystem change delivered by Wait.
type Event struct {
	Path      string
	Status    Status
	Mtime     int64
	Size      int64
	Directory bool
}

// Watcher wraps one fsnotify.Watcher, adding recursive directory tracking
// and echo suppression.
type Watcher struct {
	fsw *fsnotify.Watcher

	mu        sync.Mutex
	roots     map[string]bool // explicitly added paths (recursive flag tracked separately)
	recursive map[string]bool

	suppressMu sync.Mutex
	suppress   map[string]int64 // path -> threshold mtime; -1 means "disregarded, no threshold yet"

	closeOnce sync.Once
	closed    chan struct{}
}

const disregardedSentinel = -1

// New creates a Watcher backed by a fresh fsnotify.Watcher.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	return &Watcher{
		fsw:       fsw,
		roots:     make(map[string]bool),
		recursive: make(map[string]bool),
		suppress:  make(map[string]int64),
		closed:    make(chan struct{}),
	}, nil
}

// AddWatch starts watching path. If recursive, every subdirectory present
// at call time (and any created afterward) is watched too.
func (w *Watcher) AddWatch(path string, recursive bool) error {
	w.mu.Lock()
	w.roots[path] = true
	w.recursive[path] = recursive
	w.mu.Unlock()

	if !recursive {
		return w.fsw.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(p)
		}
		return nil
	})
}

// DelWatch stops watching path (non-recursive removal of that exact entry).
func (w *Watcher) DelWatch(path string) error {
	w.mu.Lock()
	delete(w.roots, path)
	delete(w.recursive, path)
	w.mu.Unlock()
	return w.fsw.Remove(path)
}

// Disregard suppresses all further events for exactly path until the
// matching Regard call.
func (w *Watcher) Disregard(path string) {
	w.suppressMu.Lock()
	w.suppress[path] = disregardedSentinel
	w.suppressMu.Unlock()
}

// Regard ends suppression for path. Any event whose mtime is <= the time of
// this call is still dropped (one-shot echo filter on the write Disregard
// was protecting).
func (w *Watcher) Regard(path string) {
	w.suppressMu.Lock()
	w.suppress[path] = time.Now().Unix()
	w.suppressMu.Unlock()
}

func (w *Watcher) suppressed(path string, mtime int64) bool {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()
	threshold, ok := w.suppress[path]
	if !ok {
		return false
	}
	if threshold == disregardedSentinel {
		return true
	}
	if mtime <= threshold {
		return true
	}
	delete(w.suppress, path)
	return false
}

// Wait blocks until the next non-suppressed event, or ctx is done, or Close
// was called.
func (w *Watcher) Wait(ctx context.Context) (Event, error) {
	for {
		select {
		case <-w.closed:
			return Event{}, fmt.Errorf("watcher: closed")
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return Event{}, fmt.Errorf("watcher: closed")
			}
			out, deliver, err := w.translate(ev)
			if err != nil {
				return Event{}, err
			}
			if !deliver {
				continue
			}
			return out, nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return Event{}, fmt.Errorf("watcher: closed")
			}
			return Event{}, fmt.Errorf("watcher: %w", err)
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) (Event, bool, error) {
	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		now := time.Now().Unix()
		if w.suppressed(ev.Name, now) {
			return Event{}, false, nil
		}
		return Event{Path: ev.Name, Status: Deleted, Mtime: now}, true, nil
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// File vanished between the event and the stat; treat as delete.
		now := time.Now().Unix()
		if w.suppressed(ev.Name, now) {
			return Event{}, false, nil
		}
		return Event{Path: ev.Name, Status: Deleted, Mtime: now}, true, nil
	}

	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			w.mu.Lock()
			recursive := false
			for root, rec := range w.recursive {
				if rec && within(root, ev.Name) {
					recursive = true
					break
				}
			}
			w.mu.Unlock()
			if recursive {
				_ = w.fsw.Add(ev.Name)
			}
		}
		return Event{}, false, nil
	}

	mtime := info.ModTime().Unix()
	if w.suppressed(ev.Name, mtime) {
		return Event{}, false, nil
	}
	return Event{Path: ev.Name, Status: Modified, Mtime: mtime, Size: info.Size()}, true, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && rel != "."
}

// Close unblocks Wait with an error; all further calls fail.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.fsw.Close()
	})
	return err
}
