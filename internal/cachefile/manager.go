// Package cachefile is the Cache Manager: it maps a logical mount path to
// its file under the local cache root, and performs every local-disk
// operation the engine needs (open/read/write/truncate/close, symlink
// creation, stat, directory listing). Every open Handle serializes its own
// positioned reads and writes behind one lock, mirroring the per-File
// rwlock the original mount daemon used around seek-then-read/write.
package cachefile

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/objectfs/swiftmount/pkg/errors"
	"github.com/objectfs/swiftmount/pkg/utils"
)

// Manager maps mount paths onto files under one cache root directory.
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at root, which must already exist.
func NewManager(root string) *Manager {
	return &Manager{root: filepath.Clean(root)}
}

// Root returns the cache root directory.
func (m *Manager) Root() string { return m.root }

// CachePath maps a normalized mount path (no leading slash, "" for root)
// to its absolute location under the cache root.
func (m *Manager) CachePath(path string) (string, error) {
	if path == "" {
		return m.root, nil
	}
	return utils.SecureJoin(m.root, path)
}

// EnsureParentDir creates every missing directory component of path's
// parent under the cache root, used before creating a new file or symlink.
func (m *Manager) EnsureParentDir(path string) error {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return wrapIO("EnsureParentDir", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return wrapIO("EnsureParentDir", path, err)
	}
	return nil
}

// Handle is an open cache file. Read/Write are positioned (offset-based)
// and safe for concurrent callers, serialized behind a single lock per
// handle — this is the rwlock the original per-File object held, guarding
// the seek-then-read/write pair against interleaving from another caller
// sharing the same file descriptor.
type Handle struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// Open opens path under the cache root with the given flags and mode,
// creating parent directories first if flags includes O_CREATE.
func (m *Manager) Open(path string, flags int, mode os.FileMode) (*Handle, error) {
	if flags&os.O_CREATE != 0 {
		if err := m.EnsureParentDir(path); err != nil {
			return nil, err
		}
	}
	cachePath, err := m.CachePath(path)
	if err != nil {
		return nil, wrapIO("Open", path, err)
	}
	f, err := os.OpenFile(cachePath, flags, mode)
	if err != nil {
		return nil, wrapIO("Open", path, err)
	}
	return &Handle{path: path, file: f}, nil
}

// ReadAt reads len(buf) bytes starting at offset, short of EOF.
func (h *Handle) ReadAt(buf []byte, offset int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, wrapIO("Read", h.path, err)
	}
	return n, err
}

// WriteAt writes data at offset, extending the file if necessary.
func (h *Handle) WriteAt(data []byte, offset int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.file.WriteAt(data, offset)
	if err != nil {
		return n, wrapIO("Write", h.path, err)
	}
	return n, nil
}

// Truncate resizes the open file to size.
func (h *Handle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.file.Truncate(size); err != nil {
		return wrapIO("Truncate", h.path, err)
	}
	return nil
}

// Sync flushes the file's content to local disk (fsync/flush).
func (h *Handle) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.file.Sync(); err != nil {
		return wrapIO("Fsync", h.path, err)
	}
	return nil
}

// Stat returns the open file's current metadata.
func (h *Handle) Stat() (os.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fi, err := h.file.Stat()
	if err != nil {
		return nil, wrapIO("Stat", h.path, err)
	}
	return fi, nil
}

// Close releases the underlying file descriptor.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.file.Close(); err != nil {
		return wrapIO("Close", h.path, err)
	}
	return nil
}

// Truncate resizes the file at path without an open Handle, used by the
// engine's truncate() when no file descriptor was supplied.
func (m *Manager) Truncate(path string, size int64) error {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return wrapIO("Truncate", path, err)
	}
	if err := os.Truncate(cachePath, size); err != nil {
		return wrapIO("Truncate", path, err)
	}
	return nil
}

// Mkdir creates a directory at path under the cache root.
func (m *Manager) Mkdir(path string, mode os.FileMode) error {
	if err := m.EnsureParentDir(path); err != nil {
		return err
	}
	cachePath, err := m.CachePath(path)
	if err != nil {
		return wrapIO("Mkdir", path, err)
	}
	if err := os.Mkdir(cachePath, mode); err != nil {
		return wrapIO("Mkdir", path, err)
	}
	return nil
}

// Rmdir removes the (empty) directory at path.
func (m *Manager) Rmdir(path string) error {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return wrapIO("Rmdir", path, err)
	}
	if err := os.Remove(cachePath); err != nil {
		return wrapIO("Rmdir", path, err)
	}
	return nil
}

// Symlink creates a symlink at path pointing at target.
func (m *Manager) Symlink(target, path string) error {
	if err := m.EnsureParentDir(path); err != nil {
		return err
	}
	cachePath, err := m.CachePath(path)
	if err != nil {
		return wrapIO("Symlink", path, err)
	}
	if err := os.Symlink(target, cachePath); err != nil {
		return wrapIO("Symlink", path, err)
	}
	return nil
}

// Readlink returns the target of the symlink at path.
func (m *Manager) Readlink(path string) (string, error) {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return "", wrapIO("Readlink", path, err)
	}
	target, err := os.Readlink(cachePath)
	if err != nil {
		return "", wrapIO("Readlink", path, err)
	}
	return target, nil
}

// Lstat stats path without following a trailing symlink.
func (m *Manager) Lstat(path string) (os.FileInfo, error) {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return nil, wrapIO("Stat", path, err)
	}
	fi, err := os.Lstat(cachePath)
	if err != nil {
		return nil, wrapIO("Stat", path, err)
	}
	return fi, nil
}

// Exists reports whether path currently has a cache file, treating any
// stat error as "no" per §4.4's "cache is best-effort and may be lossy"
// policy — callers fall back to the object store and metadata index.
func (m *Manager) Exists(path string) bool {
	_, err := m.Lstat(path)
	return err == nil
}

// Remove deletes the file or symlink at path.
func (m *Manager) Remove(path string) error {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return wrapIO("Unlink", path, err)
	}
	if err := os.Remove(cachePath); err != nil {
		return wrapIO("Unlink", path, err)
	}
	return nil
}

// Rename moves the cache entry at oldPath to newPath, creating newPath's
// parent directory first.
func (m *Manager) Rename(oldPath, newPath string) error {
	if err := m.EnsureParentDir(newPath); err != nil {
		return err
	}
	oldCache, err := m.CachePath(oldPath)
	if err != nil {
		return wrapIO("Rename", oldPath, err)
	}
	newCache, err := m.CachePath(newPath)
	if err != nil {
		return wrapIO("Rename", newPath, err)
	}
	if err := os.Rename(oldCache, newCache); err != nil {
		return wrapIO("Rename", oldPath, err)
	}
	return nil
}

// Readdir lists the entries of the directory at path.
func (m *Manager) Readdir(path string) ([]os.DirEntry, error) {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return nil, wrapIO("Readdir", path, err)
	}
	entries, err := os.ReadDir(cachePath)
	if err != nil {
		return nil, wrapIO("Readdir", path, err)
	}
	return entries, nil
}

// Chmod changes the mode of the file at path.
func (m *Manager) Chmod(path string, mode os.FileMode) error {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return wrapIO("Chmod", path, err)
	}
	if err := os.Chmod(cachePath, mode); err != nil {
		return wrapIO("Chmod", path, err)
	}
	return nil
}

// Chown changes the owner/group of the file at path.
func (m *Manager) Chown(path string, uid, gid int) error {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return wrapIO("Chown", path, err)
	}
	if err := os.Chown(cachePath, uid, gid); err != nil {
		return wrapIO("Chown", path, err)
	}
	return nil
}

// Utimens sets the access and modification times of the file at path.
func (m *Manager) Utimens(path string, atime, mtime time.Time) error {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return wrapIO("Utimens", path, err)
	}
	if err := os.Chtimes(cachePath, atime, mtime); err != nil {
		return wrapIO("Utimens", path, err)
	}
	return nil
}

func wrapIO(operation, path string, err error) error {
	if os.IsNotExist(err) {
		return errors.Wrap(errors.ErrCodeNotFound, err, "cache file not found").
			WithComponent("cachefile").WithOperation(operation).WithPath(path)
	}
	return errors.Wrap(errors.ErrCodeLocalIO, err, "local cache operation failed").
		WithComponent("cachefile").WithOperation(operation).WithPath(path)
}
