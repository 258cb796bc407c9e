package engine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// These cover the straight-line path through each operation: no concurrent
// callers, no cache misses, nothing deferred to the job executor. The
// trickier interleavings live in engine_test.go.

func TestMkdirThenGetAttrAndReaddir(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.Mkdir(ctx, "dir", 0755))

	attr, err := e.GetAttr(ctx, "dir")
	require.NoError(t, err)
	require.True(t, attr.Mode&0040000 != 0 || attr.Mode&uint32(os.ModeDir) != 0 || attr.Size == 0)

	_, err = e.Create(ctx, "dir/one.txt", 0644, 1, 1)
	require.NoError(t, err)
	_, err = e.Create(ctx, "dir/two.txt", 0644, 1, 1)
	require.NoError(t, err)

	names, err := e.Readdir(ctx, "dir")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"one.txt", "two.txt"}, names)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	fh, err := e.Create(ctx, "roundtrip.txt", 0644, 1, 1)
	require.NoError(t, err)

	n, err := e.Write(ctx, "roundtrip.txt", []byte("abcdef"), 0, fh)
	require.NoError(t, err)
	require.Equal(t, 6, n)

	// Create's handle is write-only, so read back through a separate
	// read-only handle on the same cache file.
	rh, err := e.Open(ctx, "roundtrip.txt", os.O_RDONLY)
	require.NoError(t, err)

	buf := make([]byte, 6)
	n, err = e.Read(ctx, "roundtrip.txt", buf, 0, rh)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(buf[:n]))

	require.NoError(t, rh.Close())
	require.NoError(t, fh.Close())
	require.NoError(t, e.Release(ctx, "roundtrip.txt", nil))
}

func TestChmodChownUpdateAttr(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	_, err := e.Create(ctx, "perm.txt", 0644, 1, 1)
	require.NoError(t, err)

	require.NoError(t, e.Chmod(ctx, "perm.txt", 0600))
	attr, err := e.GetAttr(ctx, "perm.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(0600), attr.Mode&0777)

	require.NoError(t, e.Chown(ctx, "perm.txt", 42, 42))
	attr, err = e.GetAttr(ctx, "perm.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(42), attr.UID)
	require.Equal(t, uint32(42), attr.GID)
}

func TestUnlinkRemovesNode(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	_, err := e.Create(ctx, "gone.txt", 0644, 1, 1)
	require.NoError(t, err)
	require.NoError(t, e.Unlink(ctx, "gone.txt"))

	_, err = e.GetAttr(ctx, "gone.txt")
	require.Error(t, err)
}

func TestSymlinkReadlink(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	require.NoError(t, e.Symlink(ctx, "link", "target.txt"))

	target, err := e.Readlink(ctx, "link")
	require.NoError(t, err)
	require.Equal(t, "target.txt", target)
}

func TestTruncateShrinksCacheFile(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	fh, err := e.Create(ctx, "trunc.txt", 0644, 1, 1)
	require.NoError(t, err)
	_, err = e.Write(ctx, "trunc.txt", []byte("0123456789"), 0, fh)
	require.NoError(t, err)

	require.NoError(t, e.Truncate(ctx, "trunc.txt", 4, fh))

	attr, err := e.GetAttr(ctx, "trunc.txt")
	require.NoError(t, err)
	require.Equal(t, int64(4), attr.Size)

	require.NoError(t, fh.Close())
}

func TestStatfsReturnsResult(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend)
	ctx := context.Background()

	result, err := e.Statfs(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
}
