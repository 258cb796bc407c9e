package mount

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/swiftmount/internal/config"
	"github.com/objectfs/swiftmount/pkg/utils"
)

func newTestManager(t *testing.T, mountDir string) *Manager {
	t.Helper()
	cfg := config.NewDefault()
	cfg.MountDir = mountDir
	logger := utils.NewLogger(utils.ERROR, io.Discard)
	return NewManager(&Filesystem{}, cfg, logger)
}

func TestManagerUnmountWithoutMountFails(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	err := m.Unmount()
	require.Error(t, err)
}

func TestManagerIsMountedFalseInitially(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	require.False(t, m.IsMounted())
}

func TestManagerSetDebugIsSafeBeforeMount(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	require.NotPanics(t, func() { m.SetDebug(true) })
}

func TestManagerMountRejectsMissingDir(t *testing.T) {
	m := newTestManager(t, filepath.Join(t.TempDir(), "does-not-exist"))
	err := m.Mount()
	require.Error(t, err)
}

func TestManagerMountRejectsEmptyMountDir(t *testing.T) {
	m := newTestManager(t, "")
	err := m.Mount()
	require.Error(t, err)
}

func TestManagerMountRejectsNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing-file"), []byte("x"), 0o644))

	m := newTestManager(t, dir)
	err := m.Mount()
	require.Error(t, err)
}
