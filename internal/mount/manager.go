package mount

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/swiftmount/internal/config"
	"github.com/objectfs/swiftmount/pkg/utils"
)

// Manager mounts one Filesystem at a configured mount point and tracks its
// FUSE server's lifecycle, the way the original mount daemon's own process
// lifecycle did.
type Manager struct {
	filesystem *Filesystem
	mountDir   string
	logger     *utils.Logger
	debug      bool

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewManager returns a Manager for filesystem, mounting at cfg.MountDir.
func NewManager(filesystem *Filesystem, cfg *config.Configuration, logger *utils.Logger) *Manager {
	return &Manager{
		filesystem: filesystem,
		mountDir:   cfg.MountDir,
		logger:     logger,
	}
}

// SetDebug toggles go-fuse's own request/response tracing. Must be called
// before Mount.
func (m *Manager) SetDebug(debug bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debug = debug
}

// Mount validates the mount point, mounts the filesystem, and returns once
// the kernel has accepted the mount. The server then runs until Unmount or
// an external unmount (e.g. fusermount -u) tears it down.
func (m *Manager) Mount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("mount: %s is already mounted", m.mountDir)
	}
	if err := m.validateMountDir(); err != nil {
		return err
	}

	attrTimeout := time.Second
	entryTimeout := time.Second
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        "objectfs",
			FsName:      "objectfs",
			DirectMount: true,
			Debug:       m.debug,
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}

	server, err := fs.Mount(m.mountDir, m.filesystem.Root(), opts)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("mount: mounted at %s", m.mountDir)
	return nil
}

// Unmount tears down the FUSE mount.
func (m *Manager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return fmt.Errorf("mount: %s is not mounted", m.mountDir)
	}
	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("mount: unmount failed: %w", err)
	}
	m.mounted = false
	m.server = nil
	m.logger.Info("mount: unmounted %s", m.mountDir)
	return nil
}

// Wait blocks until the mount is torn down, by Unmount or externally.
func (m *Manager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *Manager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

func (m *Manager) validateMountDir() error {
	if m.mountDir == "" {
		return fmt.Errorf("mount: mount_dir is not configured")
	}
	info, err := os.Stat(m.mountDir)
	if err != nil {
		return fmt.Errorf("mount: mount point %s: %w", m.mountDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount: mount point %s is not a directory", m.mountDir)
	}
	if entries, err := os.ReadDir(m.mountDir); err == nil && len(entries) > 0 {
		return fmt.Errorf("mount: mount point %s is not empty", m.mountDir)
	}
	return nil
}
