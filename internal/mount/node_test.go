package mount

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/swiftmount/internal/cachefile"
	"github.com/objectfs/swiftmount/internal/config"
	"github.com/objectfs/swiftmount/internal/engine"
	"github.com/objectfs/swiftmount/internal/index"
	"github.com/objectfs/swiftmount/internal/worker"
	"github.com/objectfs/swiftmount/pkg/fsnode"
	"github.com/objectfs/swiftmount/pkg/utils"
)

// fakeBackend is a minimal in-memory stand-in for internal/objectstore.Adapter,
// just enough to drive the engine these Node/FileHandle tests exercise.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBackend() *fakeBackend { return &fakeBackend{objects: make(map[string][]byte)} }

func (b *fakeBackend) Upload(_ context.Context, path string, r io.Reader, _ int64, _ *fsnode.Node) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = data
	return nil
}

func (b *fakeBackend) Download(_ context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	b.mu.Lock()
	data, ok := b.objects[path]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	end := int64(len(data))
	if length > 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(strings.NewReader(string(data[offset:end]))), nil
}

func (b *fakeBackend) SetMetadata(_ context.Context, _ string, _ *fsnode.Node) error { return nil }

func (b *fakeBackend) Move(_ context.Context, src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[dst] = b.objects[src]
	delete(b.objects, src)
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	return nil
}

type fakeRemote struct{}

func (fakeRemote) List(context.Context) ([]string, error) { return nil, nil }
func (fakeRemote) Head(context.Context, string, time.Time) (*fsnode.Node, bool, error) {
	return nil, false, nil
}

// testFixture wires a real Filesystem (and the engine behind it) without
// ever mounting it, so these tests can populate state directly through the
// engine and then exercise the translation methods on bare Node/FileHandle
// values that were never attached to a live go-fuse inode tree: every
// method used below (Getattr, Setattr, Readdir, Unlink, Rmdir, Readlink,
// Open and its FileHandle) reads engine/cache state rather than calling
// Inode.NewInode, which requires a tree a unit test can't safely fake.
type testFixture struct {
	fs  *Filesystem
	eng *engine.Engine
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	cache := cachefile.NewManager(t.TempDir())
	idx := index.NewMemStore()
	backend := newFakeBackend()
	pool := worker.NewPool(backend, 4, 16)
	logger := utils.NewLogger(utils.ERROR, io.Discard)

	cfg := config.NewDefault()
	cfg.JobExecutor.RetryInterval = 5 * time.Millisecond

	eng, err := engine.New(cfg, idx, cache, pool, fakeRemote{}, logger)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })

	return &testFixture{fs: NewFilesystem(eng), eng: eng}
}

func (f *testFixture) node(path string) *Node { return &Node{fs: f.fs, path: path} }

// Scenario: Getattr on a path the engine knows about fills out the attr
// fields (mode, uid/gid, size) from the engine's view.
func TestNodeGetattrFillsAttr(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	h, err := f.eng.Create(ctx, "hello.txt", 0644, 7, 9)
	require.NoError(t, err)
	_, err = f.eng.Write(ctx, "hello.txt", []byte("payload"), 0, h)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	var out fuse.AttrOut
	errno := f.node("hello.txt").Getattr(ctx, nil, &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, uint64(7), out.Size)
	require.Equal(t, uint32(7), out.Uid)
	require.Equal(t, uint32(9), out.Gid)
}

// Scenario: Getattr on a missing path surfaces ENOENT, matching the
// engine's NotFound mapping.
func TestNodeGetattrMissingPath(t *testing.T) {
	f := newTestFixture(t)
	var out fuse.AttrOut
	errno := f.node("does-not-exist.txt").Getattr(context.Background(), nil, &out)
	require.Equal(t, syscall.ENOENT, errno)
}

// Scenario: Setattr with only the mode bit set chmods the file and reports
// the new permission bits.
func TestNodeSetattrChmod(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	h, err := f.eng.Create(ctx, "f.txt", 0644, 1, 1)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_MODE
	in.Mode = 0600

	var out fuse.AttrOut
	errno := f.node("f.txt").Setattr(ctx, nil, in, &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, os.FileMode(0600), os.FileMode(out.Mode&0o7777))
}

// Scenario: Setattr with the size bit set truncates via the cache file.
func TestNodeSetattrTruncate(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	h, err := f.eng.Create(ctx, "big.txt", 0644, 1, 1)
	require.NoError(t, err)
	_, err = f.eng.Write(ctx, "big.txt", []byte("0123456789"), 0, h)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_SIZE
	in.Size = 4

	var out fuse.AttrOut
	errno := f.node("big.txt").Setattr(ctx, nil, in, &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, uint64(4), out.Size)
}

// Scenario: Readdir on the root lists a directory created directly through
// the engine, reporting its S_IFDIR type bit.
func TestNodeReaddirReportsDirType(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.Mkdir(ctx, "sub", 0755))

	stream, errno := f.node("").Readdir(ctx)
	require.Equal(t, syscall.Errno(0), errno)

	found := false
	for stream.HasNext() {
		entry, dirErrno := stream.Next()
		require.Equal(t, syscall.Errno(0), dirErrno)
		if entry.Name == "sub" {
			found = true
			require.Equal(t, uint32(syscall.S_IFDIR), entry.Mode)
		}
	}
	require.True(t, found)
}

// Scenario: Rmdir on a non-empty directory surfaces ENOTEMPTY.
func TestNodeRmdirNonEmpty(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.Mkdir(ctx, "dir", 0755))
	h, err := f.eng.Create(ctx, "dir/child.txt", 0644, 1, 1)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	errno := f.node("").Rmdir(ctx, "dir")
	require.Equal(t, syscall.ENOTEMPTY, errno)
}

// Scenario: Unlink soft-deletes a file, after which Getattr reports it
// missing.
func TestNodeUnlink(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	h, err := f.eng.Create(ctx, "gone.txt", 0644, 1, 1)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	errno := f.node("").Unlink(ctx, "gone.txt")
	require.Equal(t, syscall.Errno(0), errno)

	var out fuse.AttrOut
	errno = f.node("gone.txt").Getattr(ctx, nil, &out)
	require.Equal(t, syscall.ENOENT, errno)
}

// Scenario: Readlink returns the target recorded when the symlink was
// created through the engine.
func TestNodeReadlink(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.eng.Symlink(ctx, "link", "/some/target"))

	target, errno := f.node("link").Readlink(ctx)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, "/some/target", string(target))
}

// Scenario: Open+Read+Write+Release on a Node/FileHandle pair round-trips
// data through the cache exactly as the kernel bridge would drive it.
func TestNodeOpenReadWriteRelease(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	h, err := f.eng.Create(ctx, "rw.txt", 0644, 1, 1)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	fh, fuseFlags, errno := f.node("rw.txt").Open(ctx, uint32(os.O_RDWR))
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, uint32(0), fuseFlags)

	handle := fh.(*FileHandle)
	n, errno := handle.Write(ctx, []byte("hello"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, uint32(5), n)

	buf := make([]byte, 5)
	result, errno := handle.Read(ctx, buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	readBuf, status := result.Bytes(buf)
	require.Equal(t, fuse.OK, status)
	require.Equal(t, "hello", string(readBuf))

	require.Equal(t, syscall.Errno(0), handle.Release(ctx))
}
