// Package writer serializes every protocol-initiated mutation of the store
// into atomic on-disk transitions: Validated -> Staged -> Committed ->
// Published. New state is staged as temp files and promoted with renames;
// the .metadata rename is always the commit point, because indexing (ours
// and the native application's) keys off metadata records. A crash before
// that rename leaves the prior state byte-for-byte intact; a crash after it
// leaves the new state intact. The tree and cache are only updated after
// the commit is durable.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rmdav/rmdav/internal/cache"
	"github.com/rmdav/rmdav/internal/store"
	"github.com/rmdav/rmdav/internal/tree"
)

// DefaultMaxPayload bounds a single inbound document payload.
const DefaultMaxPayload = 512 << 20

// Coordinator owns the mutation path. All methods are safe for concurrent
// use; overlapping mutations serialize on the lock table.
type Coordinator struct {
	dir        *store.Dir
	tree       *tree.Tree
	cache      *cache.Cache
	locks      *lockTable
	maxPayload int64
}

// New creates a coordinator. maxPayload <= 0 uses DefaultMaxPayload.
func New(dir *store.Dir, t *tree.Tree, c *cache.Cache, maxPayload int64) *Coordinator {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Coordinator{
		dir:        dir,
		tree:       t,
		cache:      c,
		locks:      newLockTable(),
		maxPayload: maxPayload,
	}
}

// CreateCollection creates a folder under parent.
func (co *Coordinator) CreateCollection(ctx context.Context, parent store.ParentRef, name string) (store.Entity, error) {
	if parent.Trash {
		return store.Entity{}, fmt.Errorf("%w: cannot create inside trash", ErrInvalid)
	}
	if err := co.locks.acquire(ctx, parent.String()); err != nil {
		return store.Entity{}, err
	}
	defer co.locks.release(parent.String())

	if err := co.validateCreate(parent, name); err != nil {
		return store.Entity{}, err
	}

	id := uuid.New()
	meta := &store.Metadata{
		Type:         store.TypeCollection,
		VisibleName:  name,
		Parent:       parent,
		LastModified: store.NowMillis(time.Now()),
		Version:      1,
	}
	b, err := store.EncodeMetadata(meta)
	if err != nil {
		return store.Entity{}, err
	}
	st := &staging{dir: co.dir}
	if err := st.addBytes(b, co.dir.MetadataPath(id)); err != nil {
		st.abort()
		return store.Entity{}, err
	}
	if err := st.commit(); err != nil {
		return store.Entity{}, err
	}
	return co.publish(id)
}

// CreateDocument creates a document under parent, streaming the payload
// from r to a staged file. Only pdf and epub payloads can arrive over the
// protocol; notebooks are born on the device.
func (co *Coordinator) CreateDocument(ctx context.Context, parent store.ParentRef, name string, format store.Format, r io.Reader) (store.Entity, error) {
	if format != store.FormatPDF && format != store.FormatEPUB {
		return store.Entity{}, fmt.Errorf("%w: cannot accept %q payloads", ErrInvalid, format)
	}
	if parent.Trash {
		return store.Entity{}, fmt.Errorf("%w: cannot create inside trash", ErrInvalid)
	}
	if err := co.locks.acquire(ctx, parent.String()); err != nil {
		return store.Entity{}, err
	}
	defer co.locks.release(parent.String())

	if err := co.validateCreate(parent, name+format.Extension()); err != nil {
		return store.Entity{}, err
	}

	id := uuid.New()
	st := &staging{dir: co.dir}
	if err := st.addStream(ctx, r, co.maxPayload, co.dir.PayloadPath(id, format)); err != nil {
		st.abort()
		return store.Entity{}, err
	}
	content, err := store.EncodeContent(&store.Content{FileType: format, FormatVersion: 1})
	if err != nil {
		st.abort()
		return store.Entity{}, err
	}
	if err := st.addBytes(content, co.dir.ContentPath(id)); err != nil {
		st.abort()
		return store.Entity{}, err
	}
	meta, err := store.EncodeMetadata(&store.Metadata{
		Type:         store.TypeDocument,
		VisibleName:  name,
		Parent:       parent,
		LastModified: store.NowMillis(time.Now()),
		Version:      1,
	})
	if err != nil {
		st.abort()
		return store.Entity{}, err
	}
	// Metadata staged last so its promote is the final rename: the entity
	// becomes visible only once payload and content are already in place.
	if err := st.addBytes(meta, co.dir.MetadataPath(id)); err != nil {
		st.abort()
		return store.Entity{}, err
	}
	if err := st.commit(); err != nil {
		return store.Entity{}, err
	}
	return co.publish(id)
}

// ReplaceDocument replaces a document's payload from r. The single payload
// rename is the commit; metadata and content records are untouched, so a
// crash leaves either the old or the new payload, never a mix.
func (co *Coordinator) ReplaceDocument(ctx context.Context, id uuid.UUID, r io.Reader) error {
	if err := co.locks.acquire(ctx, id.String()); err != nil {
		return err
	}
	defer co.locks.release(id.String())

	snap := co.tree.Snapshot()
	ent, ok := snap.Entity(id)
	if !ok {
		return ErrNotFound
	}
	if ent.Kind != store.KindDocument {
		return fmt.Errorf("%w: cannot replace payload of a collection", ErrInvalid)
	}
	if ent.Format == store.FormatNotebook {
		return fmt.Errorf("%w: notebook strokes are owned by the device", ErrInvalid)
	}

	st := &staging{dir: co.dir}
	if err := st.addStream(ctx, r, co.maxPayload, co.dir.PayloadPath(id, ent.Format)); err != nil {
		st.abort()
		return err
	}
	if err := co.checkGeneration(id, ent.Generation); err != nil {
		st.abort()
		return err
	}
	if err := st.commit(); err != nil {
		return err
	}
	_, err := co.publish(id)
	return err
}

// Rename changes an entity's display name in place.
func (co *Coordinator) Rename(ctx context.Context, id uuid.UUID, newName string) error {
	snap := co.tree.Snapshot()
	ent, ok := snap.Entity(id)
	if !ok {
		return ErrNotFound
	}
	return co.Move(ctx, id, ent.Parent, newName)
}

// Move reparents and/or renames an entity. Validates that the destination
// is a live collection (or root) and not a descendant of the source, then
// rewrites the metadata record preserving native-app fields.
func (co *Coordinator) Move(ctx context.Context, id uuid.UUID, newParent store.ParentRef, newName string) error {
	snap := co.tree.Snapshot()
	ent, ok := snap.Entity(id)
	if !ok {
		return ErrNotFound
	}
	keys := []string{id.String(), ent.Parent.String(), newParent.String()}
	if err := co.locks.acquire(ctx, keys...); err != nil {
		return err
	}
	defer co.locks.release(keys...)

	// Re-validate under the lock against the freshest snapshot.
	snap = co.tree.Snapshot()
	ent, ok = snap.Entity(id)
	if !ok {
		return ErrNotFound
	}
	if err := co.validateDestination(snap, id, newParent); err != nil {
		return err
	}
	presented := newName
	if ent.Kind == store.KindDocument {
		presented += ent.Format.Extension()
	}
	if err := co.nameFree(snap, newParent, presented, id); err != nil {
		return err
	}
	return co.rewriteMetadata(ctx, id, ent.Generation, func(obj map[string]json.RawMessage) error {
		obj["parent"], _ = json.Marshal(newParent.String())
		obj["visibleName"], _ = json.Marshal(newName)
		obj["lastModified"], _ = json.Marshal(store.NowMillis(time.Now()))
		return nil
	})
}

// Delete moves an entity to the trash; deleting an entity already in the
// trash (directly or under a trashed ancestor) removes its records
// permanently, recursively for collections. Deleting a missing entity is
// not-found, never a silent success.
func (co *Coordinator) Delete(ctx context.Context, id uuid.UUID) error {
	snap := co.tree.Snapshot()
	ent, ok := snap.Entity(id)
	if !ok {
		return ErrNotFound
	}
	keys := []string{id.String(), ent.Parent.String()}
	if err := co.locks.acquire(ctx, keys...); err != nil {
		return err
	}
	defer co.locks.release(keys...)

	snap = co.tree.Snapshot()
	ent, ok = snap.Entity(id)
	if !ok {
		return ErrNotFound
	}
	if co.inTrash(snap, ent) {
		return co.purge(ctx, snap, id)
	}
	return co.rewriteMetadata(ctx, id, ent.Generation, func(obj map[string]json.RawMessage) error {
		obj["parent"], _ = json.Marshal("trash")
		obj["lastModified"], _ = json.Marshal(store.NowMillis(time.Now()))
		return nil
	})
}

// purge permanently removes an entity's files, children first. The
// metadata record is removed first per entity, so an interrupted purge
// leaves invisible payload garbage, never a visible half-entity.
func (co *Coordinator) purge(ctx context.Context, snap *tree.Snapshot, id uuid.UUID) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if n, ok := snap.Node(id); ok && n.IsDir() {
		for _, child := range snap.List(n) {
			if err := co.purge(ctx, snap, child.ID); err != nil {
				return err
			}
		}
	}
	ent, _ := snap.Entity(id)
	if err := os.Remove(co.dir.MetadataPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata: %w", err)
	}
	// Committed: the entity is gone. Remaining files are unreferenced.
	os.Remove(co.dir.ContentPath(id))
	if ent.Format == store.FormatPDF || ent.Format == store.FormatEPUB {
		os.Remove(co.dir.PayloadPath(id, ent.Format))
	}
	os.RemoveAll(co.dir.PageDir(id))
	co.cache.Invalidate(id)
	co.tree.Apply(tree.Change{ID: id, Remove: true})
	return nil
}

// validateCreate checks that parent is a live directory and the presented
// name is unused.
func (co *Coordinator) validateCreate(parent store.ParentRef, presented string) error {
	snap := co.tree.Snapshot()
	if !parent.IsRoot() {
		n, ok := snap.Node(parent.ID)
		if !ok {
			return ErrNotFound
		}
		if !n.IsDir() {
			return fmt.Errorf("%w: parent is a document", ErrInvalid)
		}
	}
	return co.nameFree(snap, parent, presented, uuid.Nil)
}

func (co *Coordinator) validateDestination(snap *tree.Snapshot, id uuid.UUID, dst store.ParentRef) error {
	if dst.IsRoot() || dst.Trash {
		return nil
	}
	n, ok := snap.Node(dst.ID)
	if !ok {
		return ErrNotFound
	}
	if !n.IsDir() {
		return fmt.Errorf("%w: destination is a document", ErrInvalid)
	}
	// Walk the destination's parent chain; hitting the moved entity means
	// the move would detach a cycle from the root.
	for cur := n; cur != nil && cur.ID != uuid.Nil; {
		if cur.ID == id {
			return conflictf("destination %s is a descendant of the source", dst.ID)
		}
		if cur.Parent.IsRoot() || cur.Parent.Trash {
			break
		}
		cur, _ = snap.Node(cur.Parent.ID)
	}
	return nil
}

// nameFree rejects a presented name already taken by a different sibling.
func (co *Coordinator) nameFree(snap *tree.Snapshot, parent store.ParentRef, presented string, self uuid.UUID) error {
	var parentNode *tree.Node
	if parent.IsRoot() {
		parentNode = snap.Root()
	} else if n, ok := snap.Node(parent.ID); ok {
		parentNode = n
	} else {
		return nil // parent placement unknown; disambiguation will cover it
	}
	for _, child := range snap.List(parentNode) {
		if child.Name == presented && child.ID != self {
			return conflictf("name %q already exists", presented)
		}
	}
	return nil
}

// rewriteMetadata stages an unknown-field-preserving rewrite of the
// metadata record and promotes it, aborting if the on-disk generation moved
// past the one validated against (concurrent native-app change).
func (co *Coordinator) rewriteMetadata(ctx context.Context, id uuid.UUID, validatedGen uint64, mutate func(map[string]json.RawMessage) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := co.dir.RawMetadata(id)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	out, err := store.RewriteMetadata(raw, mutate)
	if err != nil {
		return err
	}
	st := &staging{dir: co.dir}
	if err := st.addBytes(out, co.dir.MetadataPath(id)); err != nil {
		st.abort()
		return err
	}
	if err := co.checkGeneration(id, validatedGen); err != nil {
		st.abort()
		return err
	}
	if err := st.commit(); err != nil {
		return err
	}
	_, err = co.publish(id)
	return err
}

// checkGeneration detects a concurrent external change between validation
// and commit. Conservative policy: reject and force the client to re-read
// rather than guess which write wins.
func (co *Coordinator) checkGeneration(id uuid.UUID, validated uint64) error {
	gen, err := co.dir.Generation(id)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if gen != validated {
		return conflictf("entity %s changed concurrently (generation %d -> %d)", id, validated, gen)
	}
	return nil
}

// publish re-reads the committed entity and pushes it into the tree and
// cache; only now does the change become visible to protocol clients.
func (co *Coordinator) publish(id uuid.UUID) (store.Entity, error) {
	ent, err := co.dir.ReadEntity(id)
	if err != nil {
		// Committed but unreadable (e.g. the native app raced us). The
		// watcher will reconcile; report the write as done.
		slog.Warn("Committed entity not readable at publish", "id", id, "err", err)
		co.tree.Apply(tree.Change{ID: id, Remove: true})
		co.cache.Invalidate(id)
		return store.Entity{}, nil
	}
	co.tree.Apply(tree.Change{ID: id, Entity: ent})
	co.cache.Invalidate(id)
	return ent, nil
}

// inTrash walks the raw parent chain, which may contain cycles (such
// entities are excluded from the tree but still deletable). A revisited
// ancestor means a broken chain, treated as not trashed.
func (co *Coordinator) inTrash(snap *tree.Snapshot, ent store.Entity) bool {
	seen := map[uuid.UUID]bool{ent.ID: true}
	for {
		if ent.Parent.Trash {
			return true
		}
		if ent.Parent.IsRoot() {
			return false
		}
		if seen[ent.Parent.ID] {
			return false
		}
		seen[ent.Parent.ID] = true
		parent, ok := snap.Entity(ent.Parent.ID)
		if !ok {
			return false
		}
		ent = parent
	}
}
