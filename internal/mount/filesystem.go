// Package mount is the Mount Handler (§6): a github.com/hanwen/go-fuse/v2
// fs.Inode tree whose every callback translates directly into a call on
// internal/engine, with engine errors mapped to syscall.Errno via
// pkg/errors.ToErrno. It holds no coherence logic of its own — that lives
// entirely in the engine, the way the teacher's FileSystem/DirectoryNode
// split kept FUSE glue separate from backend access.
package mount

import (
	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/objectfs/swiftmount/internal/engine"
)

// Filesystem is the shared state behind every Node in the mounted tree: the
// engine each callback is translated into.
type Filesystem struct {
	engine *engine.Engine
}

// NewFilesystem returns a Filesystem backed by eng.
func NewFilesystem(eng *engine.Engine) *Filesystem {
	return &Filesystem{engine: eng}
}

// Root returns the root inode's embedder, passed to fs.Mount.
func (f *Filesystem) Root() fs.InodeEmbedder {
	return &Node{fs: f, path: ""}
}
