package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/swiftmount/internal/cachefile"
	"github.com/objectfs/swiftmount/internal/config"
	"github.com/objectfs/swiftmount/internal/index"
	"github.com/objectfs/swiftmount/internal/worker"
	"github.com/objectfs/swiftmount/pkg/errors"
	"github.com/objectfs/swiftmount/pkg/fsnode"
	"github.com/objectfs/swiftmount/pkg/utils"
)

// fakeBackend stands in for internal/objectstore.Adapter, recording every
// call in memory so these tests never touch a real Swift server.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
	delay   time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string][]byte)}
}

func (b *fakeBackend) Upload(_ context.Context, path string, r io.Reader, _ int64, _ *fsnode.Node) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if path == b.failOn {
		return fmt.Errorf("injected upload failure for %s", path)
	}
	b.objects[path] = data
	return nil
}

func (b *fakeBackend) Download(_ context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
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

// fakeRemote backs the engine's List/Head reads; empty by default so
// refresh() in lazy mode only inserts the root node.
type fakeRemote struct {
	names []string
	nodes map[string]*fsnode.Node
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nodes: make(map[string]*fsnode.Node)}
}

func (r *fakeRemote) List(context.Context) ([]string, error) { return r.names, nil }

func (r *fakeRemote) Head(_ context.Context, path string, _ time.Time) (*fsnode.Node, bool, error) {
	n, ok := r.nodes[path]
	return n, ok, nil
}

func newTestEngine(t *testing.T, backend *fakeBackend) (*Engine, *cachefile.Manager) {
	t.Helper()

	cache := cachefile.NewManager(t.TempDir())
	idx := index.NewMemStore()
	pool := worker.NewPool(backend, 4, 16)
	logger := utils.NewLogger(utils.ERROR, io.Discard)

	cfg := config.NewDefault()
	cfg.JobExecutor.RetryInterval = 5 * time.Millisecond

	e, err := New(cfg, idx, cache, pool, newFakeRemote(), logger)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e, cache
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// Scenario: a cold read opens a path with no local cache copy, which
// triggers a download; Read polls until the download completes (or enough
// bytes are present) rather than returning a short read immediately.
func TestColdReadWaitsForDownload(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["a.txt"] = []byte("hello world")
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	node := fsnode.New("a.txt", 0100644, 1, 1, int64(len("hello world")), 1, time.Now(), time.Now(), time.Now(), "")
	require.NoError(t, e.index.Upsert(node))

	fh, err := e.Open(ctx, "a.txt", os.O_RDONLY)
	require.NoError(t, err)
	defer fh.Close()

	buf := make([]byte, 11)
	n, err := e.Read(ctx, "a.txt", buf, 0, fh)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf[:n]))
}

// Scenario: a second release arriving before the upload callback fires
// enqueues no new upload; the callback's chained re-release observes a
// clean node and does nothing further.
func TestReleaseCoalescesConcurrentUploads(t *testing.T) {
	backend := newFakeBackend()
	backend.delay = 30 * time.Millisecond
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	_, err := e.Create(ctx, "b.txt", 0644, 1, 1)
	require.NoError(t, err)
	fh, err := e.cache.Open("b.txt", os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = e.Write(ctx, "b.txt", []byte("data"), 0, fh)
	require.NoError(t, err)

	require.NoError(t, e.Release(ctx, "b.txt", nil))

	node, ok, err := e.index.GetByPath("b.txt", true, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, node.Uploading)

	require.NoError(t, e.Release(ctx, "b.txt", nil))

	waitFor(t, 2*time.Second, func() bool {
		n, ok, err := e.index.GetByPath("b.txt", true, time.Time{})
		return err == nil && ok && !n.Uploading && !n.Dirty
	})

	backend.mu.Lock()
	_, uploaded := backend.objects["b.txt"]
	backend.mu.Unlock()
	require.True(t, uploaded)
	_ = fh.Close()
}

// Scenario: a soft-deleted node stays visible to a snapshot taken before its
// DeletedOn (GetByPath with includeDeleted=false still finds it), and is
// hidden from a mount with no snapshot restriction (the zero Time, "now").
func TestSoftDeletedVisibilityUnderSnapshot(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	_, err := e.Create(ctx, "c.txt", 0644, 1, 1)
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, e.Unlink(ctx, "c.txt"))

	node, ok, err := e.index.GetByPath("c.txt", false, before)
	require.NoError(t, err)
	require.True(t, ok, "node should still be visible under a snapshot taken before deletion")

	_, ok, err = e.index.GetByPath("c.txt", false, time.Time{})
	require.NoError(t, err)
	require.False(t, ok, "node should not be visible with no snapshot (meaning now) after deletion")
	_ = node
}

// Scenario: Rmdir on a directory with a visible child returns NotEmpty.
func TestRmdirRejectsNonEmptyDirectory(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.Mkdir(ctx, "dir", 0755))
	_, err := e.Create(ctx, "dir/child.txt", 0644, 1, 1)
	require.NoError(t, err)

	err = e.Rmdir(ctx, "dir")
	require.Error(t, err)
	require.True(t, errors.IsNotEmpty(err))
}

// Scenario: renaming a path whose cache copy already exists executes
// inline without touching the job executor.
func TestRenameInlineWhenCachePresent(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	fh, err := e.Create(ctx, "old.txt", 0644, 1, 1)
	require.NoError(t, err)
	_, err = e.Write(ctx, "old.txt", []byte("payload"), 0, fh)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	require.NoError(t, e.Rename(ctx, "old.txt", "new.txt"))

	_, ok, err := e.index.GetByPath("old.txt", false, time.Time{})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = e.index.GetByPath("new.txt", false, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, e.cache.Exists("new.txt"))
}

// Scenario: renaming a path with no cache copy defers the compound
// operation to the job executor, which runs it once the triggered
// download's node becomes quiescent.
func TestRenameDefersUntilDownloadQuiescent(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["remote-only.txt"] = []byte("remote content")
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	node := fsnode.New("remote-only.txt", 0100644, 1, 1, int64(len("remote content")), 1, time.Now(), time.Now(), time.Now(), "")
	require.NoError(t, e.index.Upsert(node))

	require.NoError(t, e.Rename(ctx, "remote-only.txt", "renamed.txt"))

	waitFor(t, 2*time.Second, func() bool {
		_, ok, err := e.index.GetByPath("renamed.txt", false, time.Time{})
		return err == nil && ok
	})

	waitFor(t, 2*time.Second, func() bool {
		_, ok, err := e.index.GetByPath("remote-only.txt", false, time.Time{})
		return err == nil && !ok
	})
}
