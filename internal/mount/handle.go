package mount

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/swiftmount/internal/cachefile"
	"github.com/objectfs/swiftmount/pkg/errors"
)

// FileHandle is an open file; every read/write/release is delegated to the
// engine, which owns the node's dirty/uploading/downloading bookkeeping
// around the underlying cachefile.Handle.
type FileHandle struct {
	fs   *Filesystem
	path string
	cfh  *cachefile.Handle
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

// Read waits for enough of the file to be downloaded, then reads it.
func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.fs.engine.Read(ctx, h.path, dest, off, h.cfh)
	if err != nil {
		return nil, errors.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write marks the node dirty and writes through to the cache file.
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.fs.engine.Write(ctx, h.path, data, off, h.cfh)
	if err != nil {
		return uint32(n), errors.ToErrno(err)
	}
	return uint32(n), 0
}

// Flush is a no-op: the actual upload is triggered from Release, not
// Flush, per the kernel bridge's documented default for this op.
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Fsync is a no-op; remote durability is out of scope.
func (h *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return 0
}

// Release closes the cache handle and, if the node is dirty, enqueues an
// upload.
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	return errors.ToErrno(h.fs.engine.Release(ctx, h.path, h.cfh))
}
