package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmdav/rmdav/internal/tree"
	"github.com/rmdav/rmdav/internal/watcher"
)

// Load performs the initial store scan and builds the first tree snapshot.
// Unreadable entities are reported and skipped; the service still comes up.
func (svc *Service) Load(ctx context.Context) error {
	entities, failed := svc.Dir.Scan(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	svc.Tree.Rebuild(entities)
	snap := svc.Tree.Snapshot()
	slog.Info("Store loaded",
		"entities", len(entities),
		"unreadable", len(failed),
		"excluded", len(snap.Excluded()))
	if len(entities) == 0 && len(failed) > 0 {
		return fmt.Errorf("no readable entities in store (%d unreadable)", len(failed))
	}
	return nil
}

// Watch runs the change watcher until ctx is canceled, folding every
// external change into the tree and cache. Intervals of zero keep the
// watcher defaults.
func (svc *Service) Watch(ctx context.Context, quiet, rescan time.Duration) error {
	w := watcher.New(svc.Dir, svc.Tree.Snapshot().Generations())
	w.SetIntervals(quiet, rescan)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range w.Events() {
			svc.applyEvent(ev)
		}
	}()
	err := w.Run(ctx)
	<-done
	return err
}

// applyEvent folds one watcher event into the derived state. The cache entry
// is always dropped first: even if the re-read fails, stale bytes must not
// be served under the new generation.
func (svc *Service) applyEvent(ev watcher.Event) {
	svc.Cache.Invalidate(ev.ID)
	if ev.Op == watcher.OpRemoved {
		svc.Tree.Apply(tree.Change{ID: ev.ID, Remove: true})
		return
	}
	ent, err := svc.Dir.ReadEntity(ev.ID)
	if err != nil {
		// Mid-rewrite or newly corrupted: drop it from the presented tree
		// until a later event re-reads it successfully.
		slog.Warn("Changed entity unreadable", "id", ev.ID, "err", err)
		svc.Tree.Apply(tree.Change{ID: ev.ID, Remove: true})
		return
	}
	svc.Tree.Apply(tree.Change{ID: ev.ID, Entity: ent})
}
