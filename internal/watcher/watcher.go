// Package watcher implements the file watcher (C5): it wraps
// fsnotify, scoped to a set of watched roots, and emits a bounded,
// lossy, debounced stream of change events. Lossiness is acceptable —
// every event is a hint; correctness depends on the protection engine
// re-reading and re-stating the file (spec.md §4.5).
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/rsguard/rs-guard/internal/rgerrors"
)

// Kind identifies the nature of a change event.
type Kind int

const (
	Create Kind = iota
	Modify
	Delete
	Rename
	// Overflow is synthesized when the bounded event queue is full; it
	// carries Root and tells the receiver to force a full directory walk.
	Overflow
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "Create"
	case Modify:
		return "Modify"
	case Delete:
		return "Delete"
	case Rename:
		return "Rename"
	case Overflow:
		return "Overflow"
	default:
		return "Unknown"
	}
}

// Event is one (possibly coalesced) filesystem change.
type Event struct {
	Kind Kind
	Path string
	// OldPath is set only for Rename: the path being renamed from.
	OldPath string
	// Root is set only for Overflow: which watched root needs a full walk.
	Root string
}

// KnownFile is what the watcher needs to know about a previously
// protected file to decide, during a startup/overflow walk, whether to
// synthesize a Create or a Modify for it.
type KnownFile struct {
	Size    int64
	ModTime int64
}

// Watcher emits debounced, deduplicated change events for paths under its watched roots.
type Watcher struct {
	roots       []string
	debounce    time.Duration
	queueCap    int
	fsWatcher   *fsnotify.Watcher
	events      chan Event
	pending     map[string]*pendingEvent
	pendingMu   sync.Mutex
	renameFrom  []*renameSource
}

type pendingEvent struct {
	kind    Kind
	oldPath string // set only when kind == Rename
	timer   *time.Timer
	created bool // true if a Create was ever seen in this debounce window
	deleted bool // true if a Delete was ever seen in this debounce window
}

// renameSource is a fsnotify Rename seen on an old path, waiting to be
// paired with the Create fsnotify reports separately for the new path.
type renameSource struct {
	path  string
	timer *time.Timer
}

// New builds a Watcher over the given absolute, non-overlapping roots.
// queueCap bounds the emitted-event channel; once full, each debounced
// event that cannot be queued is replaced by an Overflow marker for its
// root, sent blocking until there is room or ctx ends. Markers for the
// same root are not merged into one.
func New(roots []string, debounce time.Duration, queueCap int) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, rgerrors.IOError("watcher.New", err)
	}
	w := &Watcher{
		roots:     roots,
		debounce:  debounce,
		queueCap:  queueCap,
		fsWatcher: fw,
		events:    make(chan Event, queueCap),
		pending:   make(map[string]*pendingEvent),
	}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort; a vanished subdir is not fatal to watching the rest
		}
		if d.IsDir() {
			if err := w.fsWatcher.Add(path); err != nil {
				return rgerrors.IOError("watcher.addRecursive", err)
			}
		}
		return nil
	})
}

// Events returns the channel of emitted events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run pumps raw fsnotify events through debouncing until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleRaw(ctx, ev)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watcher: fsnotify reported an error")
		}
	}
}

func (w *Watcher) handleRaw(ctx context.Context, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsWatcher.Add(ev.Name)
		}
		// fsnotify reports a rename as a bare Rename on the old name
		// followed separately by a Create on the new name. If a Rename
		// is still waiting to be paired, this Create completes it —
		// both endpoints are under watched territory (fsnotify only
		// reports events for paths beneath an added watch), so this is
		// spec.md §4.5's metadata-only path update rather than a
		// delete+create.
		if oldPath, ok := w.popRenameSource(); ok {
			w.debounceRename(ctx, oldPath, ev.Name)
			return
		}
		w.debounceEvent(ctx, ev.Name, Create)
	case ev.Has(fsnotify.Write):
		w.debounceEvent(ctx, ev.Name, Modify)
	case ev.Has(fsnotify.Remove):
		w.debounceEvent(ctx, ev.Name, Delete)
	case ev.Has(fsnotify.Rename):
		// Hold the old name until either a paired Create arrives (a
		// rename within watched territory) or the debounce window
		// elapses with nothing to pair it with (moved out of watched
		// territory, or fsnotify simply never reported the other
		// half) — in which case it falls back to a plain Delete.
		w.noteRenameFrom(ctx, ev.Name)
	}
}

// noteRenameFrom stashes oldPath as an unpaired rename source. If no
// Create claims it within the debounce window, resolveUnmatchedRename
// emits it as a Delete instead.
func (w *Watcher) noteRenameFrom(ctx context.Context, oldPath string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	rs := &renameSource{path: oldPath}
	rs.timer = time.AfterFunc(w.debounce, func() {
		w.resolveUnmatchedRename(ctx, rs)
	})
	w.renameFrom = append(w.renameFrom, rs)
}

// popRenameSource removes and returns the oldest unpaired rename
// source, if any. Pairing FIFO is a best-effort heuristic: fsnotify
// exposes no correlation id between the two halves of a rename, so
// concurrent renames are paired in the order their Rename halves were
// observed.
func (w *Watcher) popRenameSource() (string, bool) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if len(w.renameFrom) == 0 {
		return "", false
	}
	rs := w.renameFrom[0]
	w.renameFrom = w.renameFrom[1:]
	rs.timer.Stop()
	return rs.path, true
}

func (w *Watcher) resolveUnmatchedRename(ctx context.Context, rs *renameSource) {
	w.pendingMu.Lock()
	for i, other := range w.renameFrom {
		if other == rs {
			w.renameFrom = append(w.renameFrom[:i], w.renameFrom[i+1:]...)
			break
		}
	}
	w.pendingMu.Unlock()
	w.debounceEvent(ctx, rs.path, Delete)
}

// debounceRename schedules a paired Rename event the same way
// debounceEvent schedules every other kind.
func (w *Watcher) debounceRename(ctx context.Context, oldPath, newPath string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	pe, ok := w.pending[newPath]
	if !ok {
		pe = &pendingEvent{}
		w.pending[newPath] = pe
	}
	pe.kind = Rename
	pe.oldPath = oldPath

	if pe.timer != nil {
		pe.timer.Stop()
	}
	pe.timer = time.AfterFunc(w.debounce, func() {
		w.flush(ctx, newPath)
	})
}

func (w *Watcher) debounceEvent(ctx context.Context, path string, kind Kind) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	pe, ok := w.pending[path]
	if !ok {
		pe = &pendingEvent{}
		w.pending[path] = pe
	}
	if kind == Create {
		pe.created = true
	}
	if kind == Delete {
		pe.deleted = true
	}
	pe.kind = kind // latest kind wins, per spec.md §4.5

	if pe.timer != nil {
		pe.timer.Stop()
	}
	pe.timer = time.AfterFunc(w.debounce, func() {
		w.flush(ctx, path)
	})
}

func (w *Watcher) flush(ctx context.Context, path string) {
	w.pendingMu.Lock()
	pe, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	w.pendingMu.Unlock()
	if !ok {
		return
	}

	emit := func(ev Event) {
		select {
		case w.events <- ev:
		default:
			w.emitOverflow(ctx, path)
		}
	}

	if pe.kind == Rename {
		emit(Event{Kind: Rename, Path: path, OldPath: pe.oldPath})
		return
	}

	// Create-then-delete within the debounce window still emits both,
	// per spec.md §4.5. When the latest kind is not Delete (e.g.
	// delete-then-create), only the latest kind is emitted.
	if pe.created && pe.deleted && pe.kind == Delete {
		emit(Event{Kind: Create, Path: path})
		emit(Event{Kind: Delete, Path: path})
		return
	}
	emit(Event{Kind: pe.kind, Path: path})
}

func (w *Watcher) emitOverflow(ctx context.Context, path string) {
	root := w.rootFor(path)
	ev := Event{Kind: Overflow, Root: root}
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func (w *Watcher) rootFor(path string) string {
	for _, root := range w.roots {
		if rel, err := filepath.Rel(root, path); err == nil && rel != ".." {
			return root
		}
	}
	return ""
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}

// Walk performs a full directory walk of root, synthesizing a Create
// event for any path absent from known and a Modify for any whose
// size/mtime differs from the recorded value, per spec.md §4.5
// ("On startup and after overflow markers...").
func Walk(root string, known map[string]KnownFile, emit func(Event)) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		prior, seen := known[path]
		switch {
		case !seen:
			emit(Event{Kind: Create, Path: path})
		case prior.Size != info.Size() || prior.ModTime != info.ModTime().UnixNano():
			emit(Event{Kind: Modify, Path: path})
		}
		return nil
	})
}
