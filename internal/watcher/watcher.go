// Package watcher turns raw filesystem activity in the store directory into
// a coalesced stream of per-entity change events. The native application
// rewrites records in bursts, so events for one entity are held for a quiet
// window and collapsed into the latest on-disk state. When the notification
// channel degrades (overflow, watch loss) the watcher falls back to a full
// rescan diff instead of going silently stale, and rescans periodically
// regardless as a staleness bound.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/rmdav/rmdav/internal/store"
)

// Op is the kind of change observed for an entity.
type Op int

const (
	// OpUpdated covers create, modify, and rename: the entity's current
	// state should be re-read from disk.
	OpUpdated Op = iota
	// OpRemoved means the entity's metadata record is gone.
	OpRemoved
)

func (o Op) String() string {
	if o == OpRemoved {
		return "removed"
	}
	return "updated"
}

// Event is one coalesced change notification.
type Event struct {
	ID         uuid.UUID
	Op         Op
	Generation uint64 // 0 for OpRemoved
}

// Default tuning. The quiet window matches the native application's write
// cadence; the rescan interval is the bound on tolerated staleness.
const (
	DefaultQuiet  = 2 * time.Second
	DefaultRescan = 5 * time.Minute
)

// Watcher observes one store directory.
type Watcher struct {
	dir    *store.Dir
	quiet  time.Duration
	rescan time.Duration
	events chan Event
	known  map[uuid.UUID]uint64
}

// New creates a watcher seeded with the generations already incorporated
// into the tree, so the first rescan only reports real differences.
func New(dir *store.Dir, known map[uuid.UUID]uint64) *Watcher {
	if known == nil {
		known = map[uuid.UUID]uint64{}
	}
	return &Watcher{
		dir:    dir,
		quiet:  DefaultQuiet,
		rescan: DefaultRescan,
		events: make(chan Event, 64),
		known:  known,
	}
}

// SetIntervals overrides the coalescing window and rescan bound (used by
// tests; zero keeps the current value).
func (w *Watcher) SetIntervals(quiet, rescan time.Duration) {
	if quiet > 0 {
		w.quiet = quiet
	}
	if rescan > 0 {
		w.rescan = rescan
	}
}

// Events returns the notification stream. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run watches until ctx is canceled. Restartable: a new Run picks up from
// the last published state.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create filesystem watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir.Path()); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir.Path(), err)
	}
	// fsnotify does not recurse; page files live in per-entity
	// subdirectories, so watch those too. Missing ones are covered by the
	// periodic rescan.
	w.watchSubdirs(fsw)

	pending := map[uuid.UUID]struct{}{}
	flush := time.NewTimer(w.quiet)
	if !flush.Stop() {
		<-flush.C
	}
	rescan := time.NewTicker(w.rescan)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return errors.New("notification channel closed")
			}
			if ev.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if _, ok := w.dir.PathUUID(ev.Name); ok {
						if err := fsw.Add(ev.Name); err != nil {
							slog.Debug("Failed to watch page directory", "path", ev.Name, "err", err)
						}
					}
				}
			}
			id, ok := w.dir.PathUUID(ev.Name)
			if !ok {
				continue
			}
			if len(pending) == 0 {
				flush.Reset(w.quiet)
			}
			pending[id] = struct{}{}

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("notification channel closed")
			}
			// Overflow or watch loss: the event stream can no longer be
			// trusted, diff the whole directory instead.
			slog.Warn("Watch degraded, falling back to rescan", "err", err)
			if err := w.fullRescan(ctx); err != nil {
				return err
			}
			clear(pending)

		case <-flush.C:
			for id := range pending {
				if err := w.publish(ctx, id); err != nil {
					return err
				}
			}
			clear(pending)

		case <-rescan.C:
			if err := w.fullRescan(ctx); err != nil {
				return err
			}
			clear(pending)
		}
	}
}

// publish re-reads one entity's generation and emits the collapsed event,
// if its state actually changed since the last publication.
func (w *Watcher) publish(ctx context.Context, id uuid.UUID) error {
	gen, err := w.dir.Generation(id)
	switch {
	case errors.Is(err, store.ErrNotExist):
		if _, existed := w.known[id]; !existed {
			return nil
		}
		delete(w.known, id)
		return w.send(ctx, Event{ID: id, Op: OpRemoved})
	case err != nil:
		slog.Warn("Failed to stat changed entity", "id", id, "err", err)
		return nil
	}
	if w.known[id] == gen {
		return nil
	}
	w.known[id] = gen
	return w.send(ctx, Event{ID: id, Op: OpUpdated, Generation: gen})
}

// fullRescan diffs the directory against the last published state and
// synthesizes the missing events.
func (w *Watcher) fullRescan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir.Path())
	if err != nil {
		return fmt.Errorf("rescan store directory: %w", err)
	}
	seen := make(map[uuid.UUID]bool, len(entries))
	for _, entry := range entries {
		id, ok := store.MetadataUUID(entry.Name())
		if !ok {
			continue
		}
		seen[id] = true
		if err := w.publish(ctx, id); err != nil {
			return err
		}
	}
	for id := range w.known {
		if !seen[id] {
			delete(w.known, id)
			if err := w.send(ctx, Event{ID: id, Op: OpRemoved}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) send(ctx context.Context, ev Event) error {
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) watchSubdirs(fsw *fsnotify.Watcher) {
	entries, err := os.ReadDir(w.dir.Path())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		if err := fsw.Add(filepath.Join(w.dir.Path(), entry.Name())); err != nil {
			slog.Debug("Failed to watch page directory", "dir", entry.Name(), "err", err)
		}
	}
}
