package cachefile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir())
}

func TestManagerCachePath(t *testing.T) {
	m := newManager(t)

	root, err := m.CachePath("")
	require.NoError(t, err)
	require.Equal(t, m.Root(), root)

	p, err := m.CachePath("dir/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(m.Root(), "dir", "file.txt"), p)
}

func TestManagerOpenWriteReadRoundTrip(t *testing.T) {
	m := newManager(t)

	h, err := m.Open("dir/file.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer h.Close()

	n, err := h.WriteAt([]byte("hello world"), 0)
	require.NoError(t, err)
	require.Equal(t, 11, n)

	buf := make([]byte, 5)
	n, err = h.ReadAt(buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))
}

func TestManagerTruncate(t *testing.T) {
	m := newManager(t)

	h, err := m.Open("file.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Truncate(4))
	require.NoError(t, h.Close())

	require.NoError(t, m.Truncate("file.txt", 2))

	fi, err := m.Lstat("file.txt")
	require.NoError(t, err)
	require.Equal(t, int64(2), fi.Size())
}

func TestManagerMkdirAndRmdir(t *testing.T) {
	m := newManager(t)

	require.NoError(t, m.Mkdir("sub", 0o755))
	fi, err := m.Lstat("sub")
	require.NoError(t, err)
	require.True(t, fi.IsDir())

	require.NoError(t, m.Rmdir("sub"))
	require.False(t, m.Exists("sub"))
}

func TestManagerSymlinkAndReadlink(t *testing.T) {
	m := newManager(t)

	require.NoError(t, m.Symlink("/some/target", "link"))
	target, err := m.Readlink("link")
	require.NoError(t, err)
	require.Equal(t, "/some/target", target)
}

func TestManagerRename(t *testing.T) {
	m := newManager(t)

	h, err := m.Open("a.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, m.Rename("a.txt", "sub/b.txt"))
	require.False(t, m.Exists("a.txt"))
	require.True(t, m.Exists("sub/b.txt"))
}

func TestManagerReaddir(t *testing.T) {
	m := newManager(t)

	require.NoError(t, m.Mkdir("dir", 0o755))
	for _, name := range []string{"dir/a.txt", "dir/b.txt"} {
		h, err := m.Open(name, os.O_RDWR|os.O_CREATE, 0o644)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}

	entries, err := m.Readdir("dir")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestManagerChmodChownUtimens(t *testing.T) {
	m := newManager(t)

	h, err := m.Open("file.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, m.Chmod("file.txt", 0o600))
	fi, err := m.Lstat("file.txt")
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	now := time.Now().Truncate(time.Second)
	require.NoError(t, m.Utimens("file.txt", now, now))
	fi, err = m.Lstat("file.txt")
	require.NoError(t, err)
	require.WithinDuration(t, now, fi.ModTime(), time.Second)
}

func TestManagerRemove(t *testing.T) {
	m := newManager(t)

	h, err := m.Open("gone.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, m.Remove("gone.txt"))
	require.False(t, m.Exists("gone.txt"))
}

func TestManagerCachePathRejectsEscape(t *testing.T) {
	m := newManager(t)
	_, err := m.CachePath("../escape")
	require.Error(t, err)
}

func TestHandleConcurrentPositionedIO(t *testing.T) {
	m := newManager(t)
	h, err := m.Open("concurrent.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Truncate(1024))

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			buf := []byte{byte(i)}
			_, err := h.WriteAt(buf, int64(i)*4)
			require.NoError(t, err)
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	for i := 0; i < 8; i++ {
		buf := make([]byte, 1)
		_, err := h.ReadAt(buf, int64(i)*4)
		require.NoError(t, err)
		require.Equal(t, byte(i), buf[0])
	}
}
