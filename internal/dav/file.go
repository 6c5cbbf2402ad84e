package dav

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/rmdav/rmdav/internal/server/bandwidth"
	"github.com/rmdav/rmdav/internal/store"
	"github.com/rmdav/rmdav/internal/tree"
)

// dirFile serves directory listings out of one immutable snapshot; a listing
// never interleaves two store states.
type dirFile struct {
	snap *tree.Snapshot
	node *tree.Node
	pos  int
}

func (d *dirFile) Close() error               { return nil }
func (d *dirFile) Read([]byte) (int, error)   { return 0, fs.ErrInvalid }
func (d *dirFile) Write([]byte) (int, error)  { return 0, fs.ErrPermission }
func (d *dirFile) Stat() (fs.FileInfo, error) { return infoFor(d.node, d.snap.BuiltAt()), nil }

func (d *dirFile) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekStart {
		d.pos = 0
		return 0, nil
	}
	return 0, fs.ErrInvalid
}

func (d *dirFile) Readdir(count int) ([]fs.FileInfo, error) {
	children := d.snap.List(d.node)
	if d.pos >= len(children) {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	rest := children[d.pos:]
	if count > 0 && count < len(rest) {
		rest = rest[:count]
	}
	d.pos += len(rest)
	out := make([]fs.FileInfo, len(rest))
	for i, c := range rest {
		out[i] = infoFor(c, d.snap.BuiltAt())
	}
	return out, nil
}

// payloadFile streams a pdf/epub payload straight from disk. Seeking is the
// file's own, so byte-range requests never buffer the payload.
type payloadFile struct {
	ctx  context.Context
	f    *os.File
	info fs.FileInfo
	pace *bandwidth.Limiter
}

func (p *payloadFile) Close() error                       { return p.f.Close() }
func (p *payloadFile) Write([]byte) (int, error)          { return 0, fs.ErrPermission }
func (p *payloadFile) Readdir(int) ([]fs.FileInfo, error) { return nil, fs.ErrInvalid }
func (p *payloadFile) Stat() (fs.FileInfo, error)         { return p.info, nil }

func (p *payloadFile) Seek(offset int64, whence int) (int64, error) {
	return p.f.Seek(offset, whence)
}

func (p *payloadFile) Read(b []byte) (int, error) {
	n, err := p.f.Read(b)
	if n > 0 && p.pace != nil {
		if werr := p.pace.Wait(p.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// memFile serves rendered notebook bytes. Stat reports the rendered size,
// which differs from the listing size (notebooks carry no payload file).
type memFile struct {
	ctx  context.Context
	r    *bytes.Reader
	info fs.FileInfo
	pace *bandwidth.Limiter
}

func (m *memFile) Close() error                       { return nil }
func (m *memFile) Write([]byte) (int, error)          { return 0, fs.ErrPermission }
func (m *memFile) Readdir(int) ([]fs.FileInfo, error) { return nil, fs.ErrInvalid }
func (m *memFile) Stat() (fs.FileInfo, error)         { return m.info, nil }

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	return m.r.Seek(offset, whence)
}

func (m *memFile) Read(b []byte) (int, error) {
	n, err := m.r.Read(b)
	if n > 0 && m.pace != nil {
		if werr := m.pace.Wait(m.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// writeFile pipes written bytes into a coordinator mutation running in a
// goroutine; nothing becomes visible until Close returns nil. Used by the
// handler's internal copy path.
type writeFile struct {
	name string
	pw   *io.PipeWriter
	done chan struct{}
	ent  store.Entity
	err  error
	n    int64
}

func startWrite(name string, run func(r io.Reader) (store.Entity, error)) *writeFile {
	pr, pw := io.Pipe()
	wf := &writeFile{name: name, pw: pw, done: make(chan struct{})}
	go func() {
		ent, err := run(pr)
		// Unblocks a Write in flight when the mutation stopped early.
		pr.CloseWithError(err)
		wf.ent, wf.err = ent, err
		close(wf.done)
	}()
	return wf
}

func (w *writeFile) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	w.n += int64(n)
	if err != nil {
		// The mutation goroutine stopped; surface its error over the pipe's.
		<-w.done
		if w.err != nil {
			return n, mapWriteErr(w.err)
		}
	}
	return n, err
}

func (w *writeFile) Close() error {
	w.pw.Close()
	<-w.done
	return mapWriteErr(w.err)
}

func (w *writeFile) Read([]byte) (int, error)           { return 0, fs.ErrPermission }
func (w *writeFile) Seek(int64, int) (int64, error)     { return 0, fs.ErrInvalid }
func (w *writeFile) Readdir(int) ([]fs.FileInfo, error) { return nil, fs.ErrInvalid }

func (w *writeFile) Stat() (fs.FileInfo, error) {
	return &nodeInfo{name: w.name, size: w.n, mtime: time.Now()}, nil
}
