package dav

import (
	"io/fs"
	"time"

	"github.com/rmdav/rmdav/internal/tree"
)

// nodeInfo is the fs.FileInfo presented for a tree node. ModTime and Size
// feed the handler's ETag, so they track the entity's generation-bearing
// files.
type nodeInfo struct {
	name  string
	size  int64
	mtime time.Time
	dir   bool
}

func infoFor(n *tree.Node, fallback time.Time) *nodeInfo {
	name := n.Name
	if name == "" {
		name = "/"
	}
	return &nodeInfo{
		name:  name,
		size:  n.Size(),
		mtime: n.ModTime(fallback),
		dir:   n.IsDir(),
	}
}

func (fi *nodeInfo) Name() string { return fi.name }
func (fi *nodeInfo) Size() int64  { return fi.size }
func (fi *nodeInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (fi *nodeInfo) ModTime() time.Time { return fi.mtime }
func (fi *nodeInfo) IsDir() bool        { return fi.dir }
func (fi *nodeInfo) Sys() any           { return nil }
