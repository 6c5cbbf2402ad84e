package tree

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rmdav/rmdav/internal/store"
)

// Tree is the live, concurrently readable hierarchy. Readers take cheap
// immutable snapshots; writers (the change watcher bridge and the write
// coordinator's publish step) serialize through a mutex and swap in
// successor snapshots atomically.
type Tree struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

// New returns a Tree seeded with an empty snapshot.
func New() *Tree {
	t := &Tree{}
	t.cur.Store(Build(nil))
	return t
}

// Snapshot returns the current immutable view.
func (t *Tree) Snapshot() *Snapshot {
	return t.cur.Load()
}

// Apply advances the tree by one change and returns the new snapshot.
func (t *Tree) Apply(ch Change) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.cur.Load().Apply(ch)
	t.logNewExclusions(t.cur.Load(), next)
	t.cur.Store(next)
	return next
}

// Rebuild replaces the tree from a complete entity scan.
func (t *Tree) Rebuild(entities []store.Entity) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := Build(entities)
	t.logNewExclusions(t.cur.Load(), next)
	t.cur.Store(next)
	return next
}

// logNewExclusions reports entities that this transition pushed out of the
// tree. Exclusion is survivable but never silent.
func (t *Tree) logNewExclusions(prev, next *Snapshot) {
	if len(next.excluded) == 0 {
		return
	}
	seen := make(map[string]bool, len(prev.excluded))
	for _, x := range prev.excluded {
		seen[x.ID.String()+x.Reason] = true
	}
	for _, x := range next.excluded {
		if !seen[x.ID.String()+x.Reason] {
			slog.Warn("Entity excluded from tree", "id", x.ID, "reason", x.Reason)
		}
	}
}
