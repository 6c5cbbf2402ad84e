package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Extensions of the record files that make up an entity.
const (
	MetadataExt = ".metadata"
	ContentExt  = ".content"
)

// StagingDirName is the directory (inside the store) that holds staged
// temporary files before they are atomically promoted. The native
// application ignores dot-directories, and the watcher skips it.
const StagingDirName = ".rmdav-tmp"

// DefaultPath is where the native application keeps the store on-device.
const DefaultPath = "/home/root/.local/share/remarkable/xochitl"

// Entity is the parsed, validated identity of one store entry: the contents
// of its metadata record plus, for documents, the structural bits of its
// content record, stamped with the generation observed at read time.
type Entity struct {
	ID         uuid.UUID
	Kind       Kind
	Name       string
	Parent     ParentRef
	Pinned     bool
	ModTime    time.Time
	Format     Format // documents only
	PageCount  int    // documents only
	Size       int64  // payload size in bytes for pdf/epub, 0 otherwise
	Generation uint64
}

// IsDir reports whether the entity is a collection.
func (e *Entity) IsDir() bool { return e.Kind == KindCollection }

// Dir is a handle on the flat store directory. It owns no state beyond the
// path: every read goes to disk, because another process mutates the
// directory at will.
type Dir struct {
	path string
}

// Open validates that path is a directory and prepares the staging area,
// sweeping any temp files orphaned by an earlier crash.
func Open(path string) (*Dir, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("store directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("store path %s is not a directory", path)
	}
	d := &Dir{path: path}
	if err := os.MkdirAll(d.StagingDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	d.sweepStaging()
	return d, nil
}

// Path returns the store directory path.
func (d *Dir) Path() string { return d.path }

// StagingDir returns the staging directory for temp files.
func (d *Dir) StagingDir() string { return filepath.Join(d.path, StagingDirName) }

// MetadataPath returns the path of the entity's .metadata record.
func (d *Dir) MetadataPath(id uuid.UUID) string {
	return filepath.Join(d.path, id.String()+MetadataExt)
}

// ContentPath returns the path of the entity's .content record.
func (d *Dir) ContentPath(id uuid.UUID) string {
	return filepath.Join(d.path, id.String()+ContentExt)
}

// PayloadPath returns the path of a document's embedded payload file.
// Notebooks have no single payload file; their pages live under PageDir.
func (d *Dir) PayloadPath(id uuid.UUID, f Format) string {
	return filepath.Join(d.path, id.String()+"."+string(f))
}

// PageDir returns the directory holding a notebook's per-page stroke files.
func (d *Dir) PageDir(id uuid.UUID) string {
	return filepath.Join(d.path, id.String())
}

// RawMetadata reads the raw bytes of the metadata record, for
// unknown-field-preserving rewrites.
func (d *Dir) RawMetadata(id uuid.UUID) ([]byte, error) {
	b, err := os.ReadFile(d.MetadataPath(id))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	return b, err
}

// ReadMetadata reads and parses the entity's metadata record.
func (d *Dir) ReadMetadata(id uuid.UUID) (*Metadata, error) {
	b, err := d.RawMetadata(id)
	if err != nil {
		return nil, err
	}
	m, err := ParseMetadata(b)
	if err != nil {
		return nil, annotate(err, d.MetadataPath(id))
	}
	return m, nil
}

// ReadContent reads and parses a document's content record.
func (d *Dir) ReadContent(id uuid.UUID) (*Content, error) {
	b, err := os.ReadFile(d.ContentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	c, err := ParseContent(b)
	if err != nil {
		return nil, annotate(err, d.ContentPath(id))
	}
	return c, nil
}

// ReadEntity assembles an Entity from its on-disk records. The generation
// is computed before the records are read, so that a concurrent rewrite
// can only make the stamped generation stale, never too new.
func (d *Dir) ReadEntity(id uuid.UUID) (Entity, error) {
	gen, err := d.Generation(id)
	if err != nil {
		return Entity{}, err
	}
	m, err := d.ReadMetadata(id)
	if err != nil {
		return Entity{}, err
	}
	kind, err := m.Kind()
	if err != nil {
		return Entity{}, annotate(&ParseError{Kind: ErrUnsupportedVersion, Err: err}, d.MetadataPath(id))
	}
	e := Entity{
		ID:         id,
		Kind:       kind,
		Name:       m.VisibleName,
		Parent:     m.Parent,
		Pinned:     m.Pinned,
		ModTime:    m.ModTime(),
		Generation: gen,
	}
	if kind == KindDocument {
		c, err := d.ReadContent(id)
		if err != nil {
			return Entity{}, err
		}
		e.Format = c.FileType
		if e.Format == "" {
			e.Format = FormatNotebook
		}
		e.PageCount = c.PageCount
		if e.Format != FormatNotebook {
			if fi, err := os.Stat(d.PayloadPath(id, e.Format)); err == nil {
				e.Size = fi.Size()
			}
		}
	}
	return e, nil
}

// Generation derives the entity's generation from the modification times
// and sizes of its record, payload, and page files. It changes whenever the native
// application (or this program) touches any of them, even within mtime
// granularity; callers compare generations for equality or staleness, never
// interpret the value.
func (d *Dir) Generation(id uuid.UUID) (uint64, error) {
	fi, err := os.Stat(d.MetadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotExist
		}
		return 0, err
	}
	gen := genStamp(fi)
	for _, p := range []string{
		d.ContentPath(id),
		d.PayloadPath(id, FormatPDF),
		d.PayloadPath(id, FormatEPUB),
		d.PageDir(id),
	} {
		if fi, err := os.Stat(p); err == nil {
			if g := genStamp(fi); g > gen {
				gen = g
			}
		}
	}
	// Notebook page files are rewritten in place by the native application,
	// which leaves the page directory's own mtime untouched.
	if entries, err := os.ReadDir(d.PageDir(id)); err == nil {
		for _, entry := range entries {
			if fi, err := entry.Info(); err == nil {
				if g := genStamp(fi); g > gen {
					gen = g
				}
			}
		}
	}
	return gen, nil
}

func genStamp(fi os.FileInfo) uint64 {
	return uint64(fi.ModTime().UnixNano()) + uint64(fi.Size())
}

// OpenPayload opens a document's payload file for streaming reads. The
// caller owns the returned file; byte-range requests seek it directly
// instead of buffering the payload.
func (d *Dir) OpenPayload(id uuid.UUID, f Format) (*os.File, error) {
	if f == FormatNotebook {
		return nil, fmt.Errorf("notebook %s has no payload file", id)
	}
	fh, err := os.Open(d.PayloadPath(id, f))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	return fh, err
}

// OpenPage opens one per-page stroke file of a notebook.
func (d *Dir) OpenPage(id uuid.UUID, pageID string) (*os.File, error) {
	fh, err := os.Open(filepath.Join(d.PageDir(id), pageID+".rm"))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	return fh, err
}

// Scan reads every .metadata record in the store and returns the parsed
// entities. Records that fail to parse are skipped and reported: one broken
// entity never hides its siblings.
func (d *Dir) Scan(ctx context.Context) ([]Entity, []error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, []error{fmt.Errorf("read store directory: %w", err)}
	}
	var out []Entity
	var failed []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			return out, append(failed, ctx.Err())
		}
		id, ok := MetadataUUID(entry.Name())
		if !ok {
			continue
		}
		e, err := d.ReadEntity(id)
		if err != nil {
			slog.Warn("Skipping unreadable entity", "id", id, "err", err)
			failed = append(failed, fmt.Errorf("entity %s: %w", id, err))
			continue
		}
		out = append(out, e)
	}
	return out, failed
}

// NewStagedFile creates a temp file in the staging area. The caller streams
// into it and either promotes it with [Dir.Promote] or removes it.
func (d *Dir) NewStagedFile() (*os.File, error) {
	return os.CreateTemp(d.StagingDir(), "*.tmp")
}

// Promote durably moves a staged file into its final location. The staged
// file is synced first so the rename never exposes an incomplete record.
func (d *Dir) Promote(staged *os.File, final string) error {
	if err := staged.Sync(); err != nil {
		staged.Close()
		os.Remove(staged.Name())
		return fmt.Errorf("sync staged file: %w", err)
	}
	if err := staged.Close(); err != nil {
		os.Remove(staged.Name())
		return fmt.Errorf("close staged file: %w", err)
	}
	if err := os.Rename(staged.Name(), final); err != nil {
		os.Remove(staged.Name())
		return fmt.Errorf("promote staged file: %w", err)
	}
	return nil
}

// sweepStaging removes temp files left behind by an interrupted run.
func (d *Dir) sweepStaging() {
	entries, err := os.ReadDir(d.StagingDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".tmp") {
			p := filepath.Join(d.StagingDir(), entry.Name())
			if err := os.Remove(p); err != nil {
				slog.Warn("Failed to sweep staged file", "path", p, "err", err)
			} else {
				slog.Info("Swept orphaned staged file", "path", p)
			}
		}
	}
}

// MetadataUUID extracts the entity UUID from a .metadata file name.
func MetadataUUID(name string) (uuid.UUID, bool) {
	stem, ok := strings.CutSuffix(name, MetadataExt)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(stem)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// PathUUID attributes a path inside the store to an entity: record and
// payload files by their stem, page files by their containing directory.
// Paths in the staging area never match.
func (d *Dir) PathUUID(p string) (uuid.UUID, bool) {
	rel, err := filepath.Rel(d.path, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return uuid.Nil, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if parts[0] == StagingDirName {
		return uuid.Nil, false
	}
	stem := parts[0]
	if i := strings.IndexByte(stem, '.'); i >= 0 && len(parts) == 1 {
		stem = stem[:i]
	}
	id, err := uuid.Parse(stem)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func annotate(err error, path string) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Path = path
		return pe
	}
	return err
}
