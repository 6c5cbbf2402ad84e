// Package dav exposes the live hierarchy over WebDAV. Reads come from
// immutable tree snapshots and stream payloads from disk; every mutating
// verb funnels into the write coordinator, so protocol clients can never
// bypass staging, locking, or conflict detection.
package dav

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/webdav"

	"github.com/rmdav/rmdav/internal/cache"
	"github.com/rmdav/rmdav/internal/render"
	"github.com/rmdav/rmdav/internal/server/bandwidth"
	"github.com/rmdav/rmdav/internal/store"
	"github.com/rmdav/rmdav/internal/tree"
	"github.com/rmdav/rmdav/internal/writer"
)

// FS implements webdav.FileSystem over the snapshot tree and the write
// coordinator.
type FS struct {
	dir   *store.Dir
	tree  *tree.Tree
	co    *writer.Coordinator
	cache *cache.Cache
	rend  render.Renderer
	pace  *bandwidth.Limiter // nil means unpaced
}

// NewFS assembles the protocol filesystem.
func NewFS(dir *store.Dir, t *tree.Tree, co *writer.Coordinator, c *cache.Cache, rend render.Renderer, pace *bandwidth.Limiter) *FS {
	if rend == nil {
		rend = render.Disabled()
	}
	return &FS{dir: dir, tree: t, co: co, cache: c, rend: rend, pace: pace}
}

func (f *FS) resolve(name string) (*tree.Snapshot, *tree.Node, bool) {
	snap := f.tree.Snapshot()
	n, ok := snap.Resolve(name)
	return snap, n, ok
}

// Mkdir creates a collection.
func (f *FS) Mkdir(ctx context.Context, name string, _ os.FileMode) error {
	snap, _, ok := f.resolve(name)
	if ok {
		return fs.ErrExist
	}
	parent, base := splitPath(name)
	pn, ok := snap.Resolve(parent)
	if !ok {
		return fs.ErrNotExist
	}
	if !pn.IsDir() {
		return fs.ErrInvalid
	}
	_, err := f.co.CreateCollection(ctx, parentRef(pn), base)
	return mapWriteErr(err)
}

// OpenFile opens a node for reading, or stages a document write. Written
// documents become visible only when Close commits.
func (f *FS) OpenFile(ctx context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return f.openWrite(ctx, name)
	}
	snap, n, ok := f.resolve(name)
	if !ok {
		return nil, fs.ErrNotExist
	}
	if n.IsDir() {
		return &dirFile{snap: snap, node: n}, nil
	}
	if n.Entity.Format == store.FormatNotebook {
		return f.openRendered(ctx, snap, n)
	}
	fh, err := f.dir.OpenPayload(n.ID, n.Entity.Format)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return nil, fs.ErrNotExist
		}
		return nil, err
	}
	return &payloadFile{ctx: ctx, f: fh, info: infoFor(n, snap.BuiltAt()), pace: f.pace}, nil
}

// openRendered serves a notebook through the converter, caching the result
// under the generation it was rendered from.
func (f *FS) openRendered(ctx context.Context, snap *tree.Snapshot, n *tree.Node) (webdav.File, error) {
	gen := n.Entity.Generation
	data, ok := f.cache.Get(n.ID, gen)
	if !ok {
		desc, err := f.dir.ReadContent(n.ID)
		if err != nil {
			return nil, err
		}
		data, err = f.rend.Render(ctx, f.dir, n.ID, desc)
		if err != nil {
			return nil, err
		}
		f.cache.Put(n.ID, gen, data)
	}
	info := &nodeInfo{name: n.Name, size: int64(len(data)), mtime: n.ModTime(snap.BuiltAt())}
	return &memFile{ctx: ctx, r: bytes.NewReader(data), info: info, pace: f.pace}, nil
}

// openWrite stages a create or replace. PUT requests take the handler's
// direct path; this serves the handler's internal copies.
func (f *FS) openWrite(ctx context.Context, name string) (webdav.File, error) {
	snap, n, ok := f.resolve(name)
	if ok {
		if n.IsDir() {
			return nil, fs.ErrPermission
		}
		id := n.ID
		return startWrite(n.Name, func(r io.Reader) (store.Entity, error) {
			err := f.co.ReplaceDocument(ctx, id, r)
			return store.Entity{}, err
		}), nil
	}
	parent, base := splitPath(name)
	pn, ok := snap.Resolve(parent)
	if !ok {
		return nil, fs.ErrNotExist
	}
	if !pn.IsDir() {
		return nil, fs.ErrInvalid
	}
	docName, format, ok := splitDocumentName(base)
	if !ok {
		return nil, fs.ErrPermission
	}
	pref := parentRef(pn)
	return startWrite(base, func(r io.Reader) (store.Entity, error) {
		return f.co.CreateDocument(ctx, pref, docName, format, r)
	}), nil
}

// RemoveAll deletes a node: live entities move to the trash, trashed ones
// are purged.
func (f *FS) RemoveAll(ctx context.Context, name string) error {
	_, n, ok := f.resolve(name)
	if !ok {
		return fs.ErrNotExist
	}
	if n.Entity == nil {
		// Root and the trash directory itself are not deletable.
		return fs.ErrPermission
	}
	return mapWriteErr(f.co.Delete(ctx, n.ID))
}

// Rename moves and/or renames a node, including moves into the trash.
func (f *FS) Rename(ctx context.Context, oldName, newName string) error {
	snap, n, ok := f.resolve(oldName)
	if !ok {
		return fs.ErrNotExist
	}
	if n.Entity == nil {
		return fs.ErrPermission
	}
	parent, base := splitPath(newName)
	pn, ok := snap.Resolve(parent)
	if !ok {
		return fs.ErrNotExist
	}
	if !pn.IsDir() {
		return fs.ErrInvalid
	}
	if n.Kind == store.KindDocument {
		base = strings.TrimSuffix(base, n.Entity.Format.Extension())
	}
	if base == "" {
		return fs.ErrInvalid
	}
	return mapWriteErr(f.co.Move(ctx, n.ID, parentRef(pn), base))
}

// Stat reports a node's presented attributes.
func (f *FS) Stat(_ context.Context, name string) (os.FileInfo, error) {
	snap, n, ok := f.resolve(name)
	if !ok {
		return nil, fs.ErrNotExist
	}
	return infoFor(n, snap.BuiltAt()), nil
}

// parentRef converts a resolved directory node into the store's parent
// reference form.
func parentRef(n *tree.Node) store.ParentRef {
	switch {
	case n.ID != uuid.Nil:
		return store.DirParent(n.ID)
	case n.Parent.Trash:
		return store.TrashParent()
	default:
		return store.RootParent()
	}
}

func splitPath(name string) (parent, base string) {
	name = strings.TrimSuffix(path.Clean("/"+name), "/")
	parent, base = path.Split(name)
	return parent, base
}

// splitDocumentName maps a presented file name to a store name and payload
// format. Only pdf and epub payloads may be written over the protocol.
func splitDocumentName(base string) (string, store.Format, bool) {
	ext := strings.ToLower(path.Ext(base))
	var format store.Format
	switch ext {
	case ".pdf":
		format = store.FormatPDF
	case ".epub":
		format = store.FormatEPUB
	default:
		return "", "", false
	}
	name := base[:len(base)-len(ext)]
	if name == "" {
		return "", "", false
	}
	return name, format, true
}

// mapWriteErr translates coordinator errors into fs sentinels the webdav
// handler maps to statuses. Conflicts and size rejections pass through for
// the PUT path to classify.
func mapWriteErr(err error) error {
	if errors.Is(err, writer.ErrNotFound) {
		return fs.ErrNotExist
	}
	return err
}
