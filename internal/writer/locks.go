package writer

import (
	"context"
	"sort"
	"sync"
)

// lockTable serializes mutations over overlapping subtrees. A mutation
// acquires its entity plus the parents it touches; disjoint mutations
// proceed concurrently. Keys are entity UUIDs or parent refs ("" root,
// "trash") in string form.
type lockTable struct {
	mu     sync.Mutex
	held   map[string]struct{}
	waitCh chan struct{} // closed and replaced on every release
}

func newLockTable() *lockTable {
	return &lockTable{
		held:   map[string]struct{}{},
		waitCh: make(chan struct{}),
	}
}

// acquire blocks until every key is free, then takes all of them. Keys are
// taken all-or-nothing, so two mutations can never deadlock on overlapping
// sets.
func (l *lockTable) acquire(ctx context.Context, keys ...string) error {
	keys = dedupe(keys)
	l.mu.Lock()
	for {
		if l.freeLocked(keys) {
			for _, k := range keys {
				l.held[k] = struct{}{}
			}
			l.mu.Unlock()
			return nil
		}
		ch := l.waitCh
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		l.mu.Lock()
	}
}

func (l *lockTable) release(keys ...string) {
	keys = dedupe(keys)
	l.mu.Lock()
	for _, k := range keys {
		delete(l.held, k)
	}
	close(l.waitCh)
	l.waitCh = make(chan struct{})
	l.mu.Unlock()
}

func (l *lockTable) freeLocked(keys []string) bool {
	for _, k := range keys {
		if _, busy := l.held[k]; busy {
			return false
		}
	}
	return true
}

func dedupe(keys []string) []string {
	sort.Strings(keys)
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || keys[i-1] != k {
			out = append(out, k)
		}
	}
	return out
}
