package writer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rmdav/rmdav/internal/cache"
	"github.com/rmdav/rmdav/internal/store"
	"github.com/rmdav/rmdav/internal/tree"
)

func newCoordinator(t *testing.T) (*store.Dir, *tree.Tree, *Coordinator) {
	t.Helper()
	d, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tr := tree.New()
	co := New(d, tr, cache.New(0), 0)
	return d, tr, co
}

// diskState captures every visible file in the store (staging excluded).
func diskState(t *testing.T, d *store.Dir) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(d.Path(), func(p string, de os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			if de.Name() == store.StagingDirName {
				return filepath.SkipDir
			}
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[p] = string(b)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func sameState(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func TestCreateRoundTrip(t *testing.T) {
	_, tr, co := newCoordinator(t)
	ctx := t.Context()

	col, err := co.CreateCollection(ctx, store.RootParent(), "Projects")
	if err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}
	doc, err := co.CreateDocument(ctx, store.DirParent(col.ID), "Plan", store.FormatPDF, strings.NewReader("%PDF-1.4 body"))
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	if doc.Size != int64(len("%PDF-1.4 body")) {
		t.Errorf("Size = %d, want payload length", doc.Size)
	}

	s := tr.Snapshot()
	n, ok := s.Resolve("/Projects/Plan.pdf")
	if !ok {
		t.Fatal("created document not resolvable")
	}
	if n.ID != doc.ID {
		t.Errorf("resolved %v, want %v", n.ID, doc.ID)
	}
}

func TestCreateNameConflict(t *testing.T) {
	_, _, co := newCoordinator(t)
	ctx := t.Context()
	if _, err := co.CreateCollection(ctx, store.RootParent(), "Notes"); err != nil {
		t.Fatal(err)
	}
	_, err := co.CreateCollection(ctx, store.RootParent(), "Notes")
	if !IsConflict(err) {
		t.Errorf("duplicate create error = %v, want conflict", err)
	}
}

func TestStagedInterruptionLeavesStoreIntact(t *testing.T) {
	d, _, co := newCoordinator(t)
	ctx := t.Context()
	if _, err := co.CreateCollection(ctx, store.RootParent(), "Before"); err != nil {
		t.Fatal(err)
	}
	before := diskState(t, d)

	// Stage a full document write, then abort instead of committing,
	// simulating a crash before the commit point.
	id := uuid.New()
	st := &staging{dir: d}
	if err := st.addStream(ctx, strings.NewReader("payload"), 1<<20, d.PayloadPath(id, store.FormatPDF)); err != nil {
		t.Fatal(err)
	}
	if err := st.addBytes([]byte(`{"type":"DocumentType","visibleName":"x","parent":""}`), d.MetadataPath(id)); err != nil {
		t.Fatal(err)
	}
	st.abort()

	if !sameState(before, diskState(t, d)) {
		t.Error("aborted staging altered visible store state")
	}

	// The same steps committed leave exactly the new state.
	st2 := &staging{dir: d}
	if err := st2.addStream(ctx, strings.NewReader("payload"), 1<<20, d.PayloadPath(id, store.FormatPDF)); err != nil {
		t.Fatal(err)
	}
	if err := st2.addBytes([]byte(`{"type":"DocumentType","visibleName":"x","parent":""}`), d.MetadataPath(id)); err != nil {
		t.Fatal(err)
	}
	if err := st2.commit(); err != nil {
		t.Fatal(err)
	}
	after := diskState(t, d)
	if len(after) != len(before)+2 {
		t.Errorf("committed state has %d files, want %d", len(after), len(before)+2)
	}
	if after[d.PayloadPath(id, store.FormatPDF)] != "payload" {
		t.Error("payload not fully present after commit")
	}
}

func TestPayloadTooLarge(t *testing.T) {
	d, tr, _ := newCoordinator(t)
	co := New(d, tr, cache.New(0), 8)
	_, err := co.CreateDocument(t.Context(), store.RootParent(), "Big", store.FormatPDF, strings.NewReader("way more than eight bytes"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("error = %v, want ErrTooLarge", err)
	}
	// Nothing leaked into the visible store.
	if got := diskState(t, d); len(got) != 0 {
		t.Errorf("store contains %v after rejected write", got)
	}
}

func TestDeleteTrashThenPurgeThenNotFound(t *testing.T) {
	d, tr, co := newCoordinator(t)
	ctx := t.Context()
	doc, err := co.CreateDocument(ctx, store.RootParent(), "Temp", store.FormatPDF, strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}

	// First delete: soft, entity moves to trash.
	if err := co.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}
	s := tr.Snapshot()
	if _, ok := s.Resolve("/Temp.pdf"); ok {
		t.Error("deleted document still at root")
	}
	if _, ok := s.Resolve("/" + tree.TrashName + "/Temp.pdf"); !ok {
		t.Error("deleted document not in trash")
	}

	// Second delete: permanent, files removed.
	if err := co.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if _, err := os.Stat(d.MetadataPath(doc.ID)); !os.IsNotExist(err) {
		t.Error("metadata record survived purge")
	}
	if _, err := os.Stat(d.PayloadPath(doc.ID, store.FormatPDF)); !os.IsNotExist(err) {
		t.Error("payload survived purge")
	}

	// Third delete: the identifier no longer exists.
	if err := co.Delete(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("third Delete = %v, want ErrNotFound", err)
	}
}

func TestMoveCyclePrevention(t *testing.T) {
	_, _, co := newCoordinator(t)
	ctx := t.Context()
	outer, err := co.CreateCollection(ctx, store.RootParent(), "Outer")
	if err != nil {
		t.Fatal(err)
	}
	inner, err := co.CreateCollection(ctx, store.DirParent(outer.ID), "Inner")
	if err != nil {
		t.Fatal(err)
	}
	err = co.Move(ctx, outer.ID, store.DirParent(inner.ID), "Outer")
	if !IsConflict(err) {
		t.Errorf("cyclic move error = %v, want conflict", err)
	}
}

func TestMoveScenario(t *testing.T) {
	_, tr, co := newCoordinator(t)
	ctx := t.Context()
	notes, err := co.CreateCollection(ctx, store.RootParent(), "Notes")
	if err != nil {
		t.Fatal(err)
	}
	todo, err := co.CreateDocument(ctx, store.DirParent(notes.ID), "Todo", store.FormatPDF, strings.NewReader("todo"))
	if err != nil {
		t.Fatal(err)
	}
	archive, err := co.CreateCollection(ctx, store.RootParent(), "Archive")
	if err != nil {
		t.Fatal(err)
	}
	if err := co.Move(ctx, todo.ID, store.DirParent(archive.ID), "Todo"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}

	s := tr.Snapshot()
	root, _ := s.Resolve("/")
	var names []string
	for _, n := range s.List(root) {
		names = append(names, n.Name)
	}
	want := "Archive,Notes," + tree.TrashName
	if strings.Join(names, ",") != want {
		t.Errorf("root listing = %v, want %s", names, want)
	}
	if _, ok := s.Resolve("/Archive/Todo.pdf"); !ok {
		t.Error("moved document not under Archive")
	}
}

func TestConcurrentDistinctCreates(t *testing.T) {
	_, tr, co := newCoordinator(t)
	ctx := t.Context()
	parent, err := co.CreateCollection(ctx, store.RootParent(), "Shared")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"Left", "Right"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = co.CreateDocument(ctx, store.DirParent(parent.ID), name, store.FormatPDF, strings.NewReader(name))
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	s := tr.Snapshot()
	for _, p := range []string{"/Shared/Left.pdf", "/Shared/Right.pdf"} {
		if _, ok := s.Resolve(p); !ok {
			t.Errorf("%s missing after concurrent creates", p)
		}
	}
}

func TestExternalChangeConflict(t *testing.T) {
	d, _, co := newCoordinator(t)
	ctx := t.Context()
	doc, err := co.CreateDocument(ctx, store.RootParent(), "Shared", store.FormatPDF, strings.NewReader("v1"))
	if err != nil {
		t.Fatal(err)
	}

	// The native application rewrites the record after our snapshot was
	// taken: bump the file's mtime past the validated generation.
	newTime := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(d.MetadataPath(doc.ID), newTime, newTime); err != nil {
		t.Fatal(err)
	}

	err = co.Rename(ctx, doc.ID, "Renamed")
	if !IsConflict(err) {
		t.Errorf("rename over external change = %v, want conflict", err)
	}
}

func TestDeleteWithCyclicParentChain(t *testing.T) {
	d, tr, co := newCoordinator(t)
	ctx := t.Context()

	// Two collections pointing at each other: excluded from the tree but
	// still present in the store, and still deletable.
	a := uuid.New()
	b := uuid.New()
	writeMeta := func(id uuid.UUID, name string, parent uuid.UUID) {
		rec := `{"type":"CollectionType","visibleName":"` + name + `","parent":"` + parent.String() + `"}`
		if err := os.WriteFile(d.MetadataPath(id), []byte(rec), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeMeta(a, "A", b)
	writeMeta(b, "B", a)

	entities, failed := d.Scan(ctx)
	if len(failed) != 0 || len(entities) != 2 {
		t.Fatalf("Scan = %d entities, failures %v", len(entities), failed)
	}
	tr.Rebuild(entities)

	done := make(chan error, 1)
	go func() { done <- co.Delete(ctx, a) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Delete did not return on a cyclic parent chain")
	}
	if _, ok := tr.Snapshot().Resolve("/" + tree.TrashName + "/A"); !ok {
		t.Error("deleted entity not in trash")
	}
}

func TestLockTableSerializesOverlap(t *testing.T) {
	l := newLockTable()
	ctx := t.Context()
	if err := l.acquire(ctx, "a", "b"); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := l.acquire(ctx, "b", "c"); err == nil {
			close(acquired)
			l.release("b", "c")
		}
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping acquisition succeeded while lock held")
	case <-time.After(100 * time.Millisecond):
	}

	l.release("a", "b")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("blocked acquisition never proceeded after release")
	}
}
