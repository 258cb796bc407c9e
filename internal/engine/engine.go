// Package engine is the Operation Engine: the coherence rules behind every
// filesystem callback, translating a POSIX operation into reads/writes
// against the Metadata Index and the Cache Manager, plus a deferred job
// executor that serializes rename/delete against outstanding uploads and
// downloads. It holds no FUSE types; internal/mount adapts its calls and
// errors to go-fuse's callback surface.
package engine

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/objectfs/swiftmount/internal/cachefile"
	"github.com/objectfs/swiftmount/internal/config"
	"github.com/objectfs/swiftmount/internal/index"
	"github.com/objectfs/swiftmount/internal/metrics"
	"github.com/objectfs/swiftmount/internal/worker"
	"github.com/objectfs/swiftmount/pkg/errors"
	"github.com/objectfs/swiftmount/pkg/fsnode"
	"github.com/objectfs/swiftmount/pkg/utils"
)

// Remote is the subset of internal/objectstore.Adapter the engine reads
// from directly, outside the worker pool: enumerating the container and
// fetching one object's attributes. Mutations always go through the
// worker pool instead, so the engine never blocks a filesystem callback on
// the network.
type Remote interface {
	List(ctx context.Context) ([]string, error)
	Head(ctx context.Context, path string, snapshot time.Time) (*fsnode.Node, bool, error)
}

// Engine is the live state of one mount: the Metadata Index, the Cache
// Manager, the worker pool driving remote mutations, and the job executor
// serializing deferred operations against them.
type Engine struct {
	index  index.Store
	cache  *cachefile.Manager
	pool   *worker.Pool
	remote Remote
	jobs   *jobExecutor
	logger *utils.Logger

	snapshot           time.Time
	metadataCollection string
	readPollInterval   time.Duration

	metrics *metrics.Collector
}

// SetMetrics wires a collector into the engine after construction. It also
// attaches the engine's own worker pool (which already implements
// metrics.PoolStats) and its job executor as probes for the collector's
// gauge-refresh loop. A nil collector is fine: every recording call below
// guards against it.
func (e *Engine) SetMetrics(m *metrics.Collector) {
	e.metrics = m
	if m != nil {
		m.Attach(e.pool, e)
	}
}

// PendingJobs implements metrics.JobStats.
func (e *Engine) PendingJobs() int {
	return e.jobs.QueueLen()
}

func (e *Engine) recordOp(op string, start time.Time, size int64, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordOperation(op, time.Since(start), size, err)
}

// New builds an Engine from configuration and its already-constructed
// collaborators. Call Start before serving any filesystem callback.
func New(cfg *config.Configuration, idx index.Store, cache *cachefile.Manager, pool *worker.Pool, remote Remote, logger *utils.Logger) (*Engine, error) {
	var snapshot time.Time
	if cfg.SnapshotTime != "" {
		t, err := config.ParseSnapshotTime(cfg.SnapshotTime)
		if err != nil {
			return nil, err
		}
		snapshot = t
	}

	readPoll := cfg.JobExecutor.RetryInterval
	if readPoll <= 0 {
		readPoll = 100 * time.Millisecond
	}

	return &Engine{
		index:              idx,
		cache:              cache,
		pool:               pool,
		remote:             remote,
		logger:             logger,
		snapshot:           snapshot,
		metadataCollection: cfg.MetadataCollection,
		readPollInterval:   readPoll,
		jobs:               newJobExecutor(idx, cfg.JobExecutor.MaxAttempts, cfg.JobExecutor.RetryInterval, logger),
	}, nil
}

// Start launches the worker pool and the job executor, then initializes
// (or refreshes) the index per the configured metadata_collection mode.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pool.Start(); err != nil {
		return err
	}
	e.jobs.Start()
	return e.refresh(ctx)
}

// Stop drains the job executor and the worker pool in that order, so no
// deferred operation is abandoned mid-flight.
func (e *Engine) Stop() error {
	e.jobs.Stop()
	return e.pool.Stop()
}

// refresh resets the index and inserts the root node from the cache's root
// stat. In "prefetch" mode it goes on to enumerate every remote object,
// decoding and inserting each one visible under the configured snapshot.
// "lazy" mode leaves remote objects to be materialized by GetAttr on first
// lookup of an unknown path.
func (e *Engine) refresh(ctx context.Context) error {
	if err := e.index.TableReset(); err != nil {
		return err
	}

	root, err := e.statCacheNode("")
	if err != nil {
		return err
	}
	if err := e.index.Upsert(root); err != nil {
		return err
	}

	if e.metadataCollection != "prefetch" {
		return nil
	}

	names, err := e.remote.List(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		node, ok, err := e.remote.Head(ctx, name, e.snapshot)
		if err != nil {
			e.logger.Error("engine: prefetch head failed for %q: %v", name, err)
			continue
		}
		if !ok {
			continue
		}
		if err := e.index.Upsert(node); err != nil {
			return err
		}
	}
	return nil
}

// GetAttr returns path's attributes from the index if present. Outside
// "prefetch" mode, a path the index has never held is then looked up on the
// remote and, if visible there, inserted into the index. Otherwise it falls
// back to a fresh cache stat. Returns NotFound when none of these resolves.
func (e *Engine) GetAttr(ctx context.Context, path string) (attr fsnode.Attr, err error) {
	defer func(start time.Time) { e.recordOp("getattr", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	node, ok, lookupErr := e.index.GetByPath(path, false, e.snapshot)
	if lookupErr != nil {
		err = lookupErr
		return
	}
	if ok {
		attr = node.Attr()
		return
	}

	if e.metadataCollection != "prefetch" {
		if _, known, _ := e.index.GetByPath(path, true, time.Time{}); !known {
			remoteNode, found, headErr := e.remote.Head(ctx, path, e.snapshot)
			if headErr == nil && found {
				if upErr := e.index.Upsert(remoteNode); upErr == nil {
					attr = remoteNode.Attr()
					return
				}
			}
		}
	}

	fresh, statErr := e.statCacheNode(path)
	if statErr != nil {
		err = errors.New(errors.ErrCodeNotFound, "path not found").
			WithComponent("engine").WithOperation("getattr").WithPath(path)
		return
	}
	attr = fresh.Attr()
	return
}

// Readdir returns the names of path's visible children, snapshot-filtered.
func (e *Engine) Readdir(ctx context.Context, path string) (names []string, err error) {
	defer func(start time.Time) { e.recordOp("readdir", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	_, ok, lookupErr := e.index.GetByPath(path, false, e.snapshot)
	if lookupErr != nil {
		err = lookupErr
		return
	}
	if !ok {
		err = errors.New(errors.ErrCodeNotFound, "path not found").
			WithComponent("engine").WithOperation("readdir").WithPath(path)
		return
	}

	children, childErr := e.index.Children(path, e.snapshot)
	if childErr != nil {
		err = childErr
		return
	}
	names = make([]string, len(children))
	for i, c := range children {
		names[i] = c.Name
	}
	return
}

// Chmod mutates the node's mode (permission bits only; the file-type bits
// are preserved) and enqueues a remote metadata update.
func (e *Engine) Chmod(ctx context.Context, path string, mode uint32) (err error) {
	defer func(start time.Time) { e.recordOp("chmod", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	node, ok, lookupErr := e.index.GetByPath(path, false, e.snapshot)
	if lookupErr != nil {
		return lookupErr
	}
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "path not found").
			WithComponent("engine").WithOperation("chmod").WithPath(path)
	}

	node.Mode = (node.Mode &^ uint32(0o7777)) | (mode & 0o7777)
	if err := e.index.Save(node); err != nil {
		return err
	}
	e.enqueueMetadata(ctx, "chmod", path, node)
	return nil
}

// Chown mutates the node's uid/gid and enqueues a remote metadata update.
func (e *Engine) Chown(ctx context.Context, path string, uid, gid uint32) (err error) {
	defer func(start time.Time) { e.recordOp("chown", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	node, ok, lookupErr := e.index.GetByPath(path, false, e.snapshot)
	if lookupErr != nil {
		return lookupErr
	}
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "path not found").
			WithComponent("engine").WithOperation("chown").WithPath(path)
	}

	node.UID = uid
	node.GID = gid
	if err := e.index.Save(node); err != nil {
		return err
	}
	e.enqueueMetadata(ctx, "chown", path, node)
	return nil
}

// Mkdir creates the directory in the cache, upserts its node, and enqueues
// an empty-bodied Upload carrying the directory's POSIX attributes.
func (e *Engine) Mkdir(ctx context.Context, path string, mode uint32) (err error) {
	defer func(start time.Time) { e.recordOp("mkdir", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	if err := e.cache.Mkdir(path, os.FileMode(mode)); err != nil {
		return err
	}
	node, statErr := e.statCacheNode(path)
	if statErr != nil {
		return statErr
	}
	if err := e.index.Upsert(node); err != nil {
		return err
	}

	e.pool.Submit(&worker.Task{
		Command: worker.CmdUpload,
		Context: ctx,
		Path:    path,
		Node:    node,
		Callback: func(resp worker.Response) {
			if resp.Err != nil {
				e.logger.Error("engine: mkdir upload failed for %q: %v", path, resp.Err)
			}
		},
	})
	return nil
}

// Create ensures the cache parent directory exists (chowning it to the
// caller), creates the cache file write-only, upserts/saves its node from
// the fresh cache stat, and returns the open handle.
func (e *Engine) Create(ctx context.Context, path string, mode, uid, gid uint32) (h *cachefile.Handle, err error) {
	defer func(start time.Time) { e.recordOp("create", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	if err := e.cache.EnsureParentDir(path); err != nil {
		return nil, err
	}
	if err := e.cache.Chown(parentOf(path), int(uid), int(gid)); err != nil {
		e.logger.Debug("engine: chown of parent directory for %q failed: %v", path, err)
	}

	h, err = e.cache.Open(path, os.O_WRONLY|os.O_CREATE, os.FileMode(mode))
	if err != nil {
		return nil, err
	}
	if err := e.cache.Chown(path, int(uid), int(gid)); err != nil {
		e.logger.Debug("engine: chown of new file %q failed: %v", path, err)
	}

	node, _, err := e.index.GetOrCreate(path, func() *fsnode.Node {
		n, _ := e.statCacheNode(path)
		return n
	})
	if err != nil {
		return nil, err
	}
	if fresh, statErr := e.statCacheNode(path); statErr == nil {
		applyCacheStat(node, fresh)
	}
	if err := e.index.Save(node); err != nil {
		return nil, err
	}
	return h, nil
}

// Open triggers a download into a placeholder cache file on first access
// to a path the cache doesn't yet hold, then opens the (possibly still
// downloading) cache file with the given flags.
func (e *Engine) Open(ctx context.Context, path string, flags int) (h *cachefile.Handle, err error) {
	defer func(start time.Time) { e.recordOp("open", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	if !e.cache.Exists(path) {
		if err := e.refreshCacheFile(ctx, path); err != nil {
			return nil, err
		}
	}
	h, err = e.cache.Open(path, flags, 0o644)
	return
}

// Read waits for either the node's Downloading flag to clear or the cache
// file to reach offset+len(buf) bytes, whichever comes first, then issues
// a positioned read against fh. Returns NotFound if fh is nil.
func (e *Engine) Read(ctx context.Context, path string, buf []byte, offset int64, fh *cachefile.Handle) (n int, err error) {
	defer func(start time.Time) { e.recordOp("read", start, int64(n), err) }(time.Now())
	path = utils.NormalizeRemotePath(path)
	if fh == nil {
		return 0, errors.New(errors.ErrCodeNotFound, "no open handle for read").
			WithComponent("engine").WithOperation("read").WithPath(path)
	}

	want := offset + int64(len(buf))
	for {
		node, ok, lookupErr := e.index.GetByPath(path, true, time.Time{})
		if lookupErr != nil {
			return 0, lookupErr
		}
		if !ok || !node.Downloading {
			break
		}
		if fi, statErr := fh.Stat(); statErr == nil && fi.Size() >= want {
			break
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(errors.ErrCodeOperationCanceled, ctx.Err(), "read canceled while waiting for download").
				WithComponent("engine").WithOperation("read").WithPath(path)
		case <-time.After(e.readPollInterval):
		}
	}

	n, err = fh.ReadAt(buf, offset)
	return
}

// Write ensures the cache parent directory exists, issues a positioned
// write, and marks the node dirty with attributes refreshed from the
// updated cache file.
func (e *Engine) Write(ctx context.Context, path string, data []byte, offset int64, fh *cachefile.Handle) (n int, err error) {
	defer func(start time.Time) { e.recordOp("write", start, int64(n), err) }(time.Now())
	path = utils.NormalizeRemotePath(path)
	if err := e.cache.EnsureParentDir(path); err != nil {
		return 0, err
	}

	n, err = fh.WriteAt(data, offset)
	if err != nil {
		return n, err
	}

	node, ok, lookupErr := e.index.GetByPath(path, true, time.Time{})
	if lookupErr != nil {
		return n, lookupErr
	}
	if ok {
		node.Dirty = true
		if fresh, statErr := e.statCacheNode(path); statErr == nil {
			applyCacheStat(node, fresh)
		}
		if err := e.index.Save(node); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Release closes fh. If the node is dirty and not already uploading, it
// refreshes attributes from the cache, marks Uploading, and enqueues an
// Upload whose callback clears Uploading (and, on success, Dirty) then
// re-invokes Release — which is a no-op once dirty is clear, and a retry
// if the upload failed. A release seen while already uploading is a no-op:
// the in-flight callback's re-release will observe the latest state.
func (e *Engine) Release(ctx context.Context, path string, fh *cachefile.Handle) (err error) {
	defer func(start time.Time) { e.recordOp("release", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	var closeErr error
	if fh != nil {
		closeErr = fh.Close()
	}

	node, ok, lookupErr := e.index.GetByPath(path, true, time.Time{})
	if lookupErr != nil {
		return lookupErr
	}
	if !ok || !node.Dirty || node.Uploading {
		return closeErr
	}

	if fresh, statErr := e.statCacheNode(path); statErr == nil {
		applyCacheStat(node, fresh)
	}
	node.Uploading = true
	if err := e.index.Save(node); err != nil {
		return err
	}
	e.enqueueUpload(ctx, path, node)
	return closeErr
}

func (e *Engine) enqueueUpload(ctx context.Context, path string, node *fsnode.Node) {
	cachePath, err := e.cache.CachePath(path)
	if err != nil {
		e.logger.Error("engine: resolving cache path for upload of %q failed: %v", path, err)
		return
	}
	e.pool.Submit(&worker.Task{
		Command:   worker.CmdUpload,
		Context:   ctx,
		Path:      path,
		LocalPath: cachePath,
		Node:      node,
		Callback: func(resp worker.Response) {
			e.onUploadComplete(path, resp.Err)
		},
	})
}

func (e *Engine) onUploadComplete(path string, uploadErr error) {
	node, ok, err := e.index.GetByPath(path, true, time.Time{})
	if err != nil || !ok {
		return
	}
	node.Uploading = false
	if uploadErr == nil {
		node.Dirty = false
	} else {
		e.logger.Error("engine: upload failed for %q, will retry on next release: %v", path, uploadErr)
	}
	if err := e.index.Save(node); err != nil {
		e.logger.Error("engine: saving node after upload callback failed for %q: %v", path, err)
		return
	}
	if err := e.Release(context.Background(), path, nil); err != nil {
		e.logger.Error("engine: re-release after upload callback failed for %q: %v", path, err)
	}
}

// Unlink soft-deletes path: marks DeletedOn, enqueues a remote metadata
// update carrying fs-deleted-on, then removes the cache copy if present.
func (e *Engine) Unlink(ctx context.Context, path string) (err error) {
	defer func(start time.Time) { e.recordOp("unlink", start, 0, err) }(time.Now())
	return e.softDelete(ctx, path, false)
}

// Rmdir soft-deletes path like Unlink, but first signals NotEmpty if the
// directory has any visible children.
func (e *Engine) Rmdir(ctx context.Context, path string) (err error) {
	defer func(start time.Time) { e.recordOp("rmdir", start, 0, err) }(time.Now())
	return e.softDelete(ctx, path, true)
}

func (e *Engine) softDelete(ctx context.Context, path string, isDir bool) error {
	path = utils.NormalizeRemotePath(path)

	node, ok, err := e.index.GetByPath(path, false, e.snapshot)
	if err != nil {
		return err
	}
	if !ok {
		op := "unlink"
		if isDir {
			op = "rmdir"
		}
		return errors.New(errors.ErrCodeNotFound, "path not found").
			WithComponent("engine").WithOperation(op).WithPath(path)
	}

	if isDir {
		children, err := e.index.Children(path, e.snapshot)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return errors.New(errors.ErrCodeNotEmpty, "directory not empty").
				WithComponent("engine").WithOperation("rmdir").WithPath(path)
		}
	}

	node.DeletedOn = time.Now()
	if err := e.index.Save(node); err != nil {
		return err
	}
	e.enqueueMetadata(ctx, "soft-delete", path, node)

	if e.cache.Exists(path) {
		var removeErr error
		if isDir {
			removeErr = e.cache.Rmdir(path)
		} else {
			removeErr = e.cache.Remove(path)
		}
		if removeErr != nil {
			e.logger.Error("engine: removing cache entry for %q failed: %v", path, removeErr)
		}
	}
	return nil
}

// Rename is a compound operation. If the cache copy of old already exists
// it runs inline; otherwise it triggers a download of old and defers the
// remainder — create(new), copy bytes, mark new dirty, unlink(old),
// release(new) — to the job executor, which only runs it once old's node
// is quiescent.
func (e *Engine) Rename(ctx context.Context, oldPath, newPath string) (err error) {
	defer func(start time.Time) { e.recordOp("rename", start, 0, err) }(time.Now())
	oldPath = utils.NormalizeRemotePath(oldPath)
	newPath = utils.NormalizeRemotePath(newPath)

	oldNode, ok, err := e.index.GetByPath(oldPath, false, e.snapshot)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrCodeNotFound, "rename source not found").
			WithComponent("engine").WithOperation("rename").WithPath(oldPath)
	}
	mode, uid, gid := oldNode.Mode, oldNode.UID, oldNode.GID

	execute := func() error {
		return e.executeRename(ctx, oldPath, newPath, mode, uid, gid)
	}

	if e.cache.Exists(oldPath) {
		return execute()
	}

	if err := e.refreshCacheFile(ctx, oldPath); err != nil {
		return err
	}
	e.jobs.Defer(&pendingJob{
		path:         oldPath,
		preExecution: func() error { return nil },
		execute:      execute,
	})
	return nil
}

func (e *Engine) executeRename(ctx context.Context, oldPath, newPath string, mode, uid, gid uint32) error {
	h, err := e.Create(ctx, newPath, mode, uid, gid)
	if err != nil {
		return err
	}
	if err := h.Close(); err != nil {
		return err
	}

	oldCache, err := e.cache.CachePath(oldPath)
	if err != nil {
		return err
	}
	newCache, err := e.cache.CachePath(newPath)
	if err != nil {
		return err
	}
	if err := copyFile(oldCache, newCache); err != nil {
		return errors.Wrap(errors.ErrCodeLocalIO, err, "copying cache file during rename failed").
			WithComponent("engine").WithOperation("rename").WithPath(oldPath)
	}

	newNode, ok, err := e.index.GetByPath(newPath, false, e.snapshot)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrCodeInternalError, "rename target node missing after create").
			WithComponent("engine").WithOperation("rename").WithPath(newPath)
	}
	newNode.Dirty = true
	if err := e.index.Save(newNode); err != nil {
		return err
	}

	if err := e.Unlink(ctx, oldPath); err != nil {
		return err
	}
	return e.Release(ctx, newPath, nil)
}

// Symlink creates a symlink in the cache at path pointing at linkTarget,
// upserts its node (link target recorded in LinkSource), and enqueues an
// empty-bodied Upload whose headers carry fs-link-source.
func (e *Engine) Symlink(ctx context.Context, path, linkTarget string) (err error) {
	defer func(start time.Time) { e.recordOp("symlink", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	if err := e.cache.Symlink(linkTarget, path); err != nil {
		return err
	}
	node, _, err := e.index.GetOrCreate(path, func() *fsnode.Node {
		n, _ := e.statCacheNode(path)
		return n
	})
	if err != nil {
		return err
	}
	if fresh, statErr := e.statCacheNode(path); statErr == nil {
		applyCacheStat(node, fresh)
	}
	if err := e.index.Save(node); err != nil {
		return err
	}

	e.pool.Submit(&worker.Task{
		Command: worker.CmdUpload,
		Context: ctx,
		Path:    path,
		Node:    node,
		Callback: func(resp worker.Response) {
			if resp.Err != nil {
				e.logger.Error("engine: symlink upload failed for %q: %v", path, resp.Err)
			}
		},
	})
	return nil
}

// Readlink returns the node's recorded link target.
func (e *Engine) Readlink(ctx context.Context, path string) (target string, err error) {
	defer func(start time.Time) { e.recordOp("readlink", start, 0, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	node, ok, lookupErr := e.index.GetByPath(path, false, e.snapshot)
	if lookupErr != nil {
		return "", lookupErr
	}
	if !ok {
		return "", errors.New(errors.ErrCodeNotFound, "path not found").
			WithComponent("engine").WithOperation("readlink").WithPath(path)
	}
	return node.LinkSource, nil
}

// Truncate resizes the cache file, via fh if given or by path otherwise,
// and marks the node dirty.
func (e *Engine) Truncate(ctx context.Context, path string, length int64, fh *cachefile.Handle) (err error) {
	defer func(start time.Time) { e.recordOp("truncate", start, length, err) }(time.Now())
	path = utils.NormalizeRemotePath(path)

	if fh != nil {
		err = fh.Truncate(length)
	} else {
		err = e.cache.Truncate(path, length)
	}
	if err != nil {
		return err
	}

	node, _, err := e.index.GetOrCreate(path, func() *fsnode.Node {
		n, _ := e.statCacheNode(path)
		return n
	})
	if err != nil {
		return err
	}
	if fresh, statErr := e.statCacheNode(path); statErr == nil {
		applyCacheStat(node, fresh)
	}
	node.Dirty = true
	return e.index.Save(node)
}

// StatfsResult mirrors the handful of statvfs fields callers need,
// avoiding a platform-specific syscall.Statfs_t in the engine's API.
type StatfsResult struct {
	Blocks, BlocksFree, BlocksAvail uint64
	Files, FilesFree                uint64
	BlockSize                       uint32
	NameLen                         uint32
}

// Statfs returns stat of the local filesystem backing the cache root.
func (e *Engine) Statfs(ctx context.Context) (result *StatfsResult, err error) {
	defer func(start time.Time) { e.recordOp("statfs", start, 0, err) }(time.Now())
	var st syscall.Statfs_t
	if err := syscall.Statfs(e.cache.Root(), &st); err != nil {
		return nil, errors.Wrap(errors.ErrCodeLocalIO, err, "statfs failed").
			WithComponent("engine").WithOperation("statfs")
	}
	return &StatfsResult{
		Blocks:      uint64(st.Blocks),
		BlocksFree:  uint64(st.Bfree),
		BlocksAvail: uint64(st.Bavail),
		Files:       uint64(st.Files),
		FilesFree:   uint64(st.Ffree),
		BlockSize:   uint32(st.Bsize),
		NameLen:     uint32(st.Namelen),
	}, nil
}

// refreshCacheFile creates a zero-byte placeholder at path, marks the
// node Downloading, and enqueues a Download whose callback clears it.
func (e *Engine) refreshCacheFile(ctx context.Context, path string) error {
	if err := e.cache.EnsureParentDir(path); err != nil {
		return err
	}
	h, err := e.cache.Open(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := h.Close(); err != nil {
		return err
	}

	node, _, err := e.index.GetOrCreate(path, func() *fsnode.Node {
		n, _ := e.statCacheNode(path)
		return n
	})
	if err != nil {
		return err
	}
	node.Downloading = true
	if err := e.index.Save(node); err != nil {
		return err
	}

	cachePath, err := e.cache.CachePath(path)
	if err != nil {
		return err
	}
	e.pool.Submit(&worker.Task{
		Command:   worker.CmdDownload,
		Context:   ctx,
		Path:      path,
		LocalPath: cachePath,
		Offset:    0,
		Length:    -1,
		Callback: func(resp worker.Response) {
			e.onDownloadComplete(path, resp.Err)
		},
	})
	return nil
}

func (e *Engine) onDownloadComplete(path string, downloadErr error) {
	node, ok, err := e.index.GetByPath(path, true, time.Time{})
	if err != nil || !ok {
		return
	}
	node.Downloading = false
	if downloadErr != nil {
		e.logger.Error("engine: download failed for %q: %v", path, downloadErr)
	}
	if err := e.index.Save(node); err != nil {
		e.logger.Error("engine: saving node after download callback failed for %q: %v", path, err)
	}
}

func (e *Engine) enqueueMetadata(ctx context.Context, op, path string, node *fsnode.Node) {
	e.pool.Submit(&worker.Task{
		Command: worker.CmdSetMetadata,
		Context: ctx,
		Path:    path,
		Node:    node,
		Callback: func(resp worker.Response) {
			if resp.Err != nil {
				e.logger.Error("engine: %s metadata update failed for %q: %v", op, path, resp.Err)
			}
		},
	})
}

func (e *Engine) statCacheNode(path string) (*fsnode.Node, error) {
	cachePath, err := e.cache.CachePath(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Lstat(cachePath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeNotFound, err, "cache stat failed").
			WithComponent("engine").WithOperation("stat").WithPath(path)
	}
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, errors.New(errors.ErrCodeLocalIO, "cache stat missing platform details").
			WithComponent("engine").WithOperation("stat").WithPath(path)
	}
	return fsnode.FromCacheStat(path, cachePath, fi, sys)
}

// applyCacheStat copies the cache-derived attribute fields of fresh onto
// node, leaving identity (Path/Name/Folder) and lifecycle fields
// (Dirty/Uploading/Downloading/DeletedOn) untouched.
func applyCacheStat(node, fresh *fsnode.Node) {
	node.Mode = fresh.Mode
	node.UID = fresh.UID
	node.GID = fresh.GID
	node.Size = fresh.Size
	node.NLink = fresh.NLink
	node.MTime = fresh.MTime
	node.ATime = fresh.ATime
	node.CTime = fresh.CTime
	node.LinkSource = fresh.LinkSource
}

// parentOf returns the normalized parent directory of a normalized path,
// "" for a top-level entry.
func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 64*1024)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
		}
		if readErr != nil {
			if stderrors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}
