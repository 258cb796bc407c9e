// Package fsnode defines the in-memory representation of one path in the
// mirrored filesystem tree and the conversions between it, a cached file's
// local stat, and an object store's per-object metadata headers.
package fsnode

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ncw/swift/v2"
)

// Node is one entry in the filesystem tree: a regular file, directory, or
// symlink, mirrored between the local cache and the object store. Path is
// normalized (no leading slash; root is the empty string), matching the key
// convention the object store and the metadata index share.
type Node struct {
	Path       string
	Name       string
	Folder     string
	Mode       uint32
	UID        uint32
	GID        uint32
	MTime      time.Time
	ATime      time.Time
	CTime      time.Time
	NLink      uint32
	Size       int64
	LinkSource string

	// Dirty marks a node whose cache-side content or attributes have not
	// yet been durably written back to the object store.
	Dirty bool

	// Downloading/Uploading mark a node with an in-flight worker-pool
	// transfer; the engine uses these to defer operations a coherence
	// rule requires to wait for a quiescent node.
	Downloading bool
	Uploading   bool

	// DeletedOn is non-zero once the node has been soft-deleted. A
	// snapshot mount only sees nodes whose DeletedOn is zero or after
	// the snapshot time; see Visible.
	DeletedOn time.Time
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.Mode&syscall.S_IFMT == syscall.S_IFDIR }

// IsRegular reports whether the node is a regular file.
func (n *Node) IsRegular() bool { return n.Mode&syscall.S_IFMT == syscall.S_IFREG }

// IsSymlink reports whether the node is a symbolic link.
func (n *Node) IsSymlink() bool { return n.Mode&syscall.S_IFMT == syscall.S_IFLNK }

// Visible reports whether the node should be shown to a mount taking its
// view of the tree "as of" snapshot (the zero Time means "now", i.e. no
// snapshot restriction — every non-deleted node is visible).
func (n *Node) Visible(snapshot time.Time) bool {
	if n.DeletedOn.IsZero() {
		return true
	}
	if snapshot.IsZero() {
		return false
	}
	return n.DeletedOn.After(snapshot)
}

// Attr fills a syscall.Stat_t-shaped summary used by the mount layer to
// answer getattr; kept separate from syscall.Stat_t itself so this package
// has no platform-specific dependency.
type Attr struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
	NLink uint32
	ATime time.Time
	MTime time.Time
	CTime time.Time
}

// Attr returns the node's attribute summary.
func (n *Node) Attr() Attr {
	return Attr{
		Mode:  n.Mode,
		UID:   n.UID,
		GID:   n.GID,
		Size:  n.Size,
		NLink: n.NLink,
		ATime: n.ATime,
		MTime: n.MTime,
		CTime: n.CTime,
	}
}

// splitPath splits a normalized path into its parent folder and leaf name,
// matching the folder/name split the original fsnode.update_from_* methods
// perform on the cache path and the object name.
func splitPath(path string) (folder, name string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// New builds a Node for path with the given attributes, splitting the
// folder/name pair the way every node requires.
func New(path string, mode, uid, gid uint32, size int64, nlink uint32, mtime, atime, ctime time.Time, linkSource string) *Node {
	folder, name := splitPath(path)
	return &Node{
		Path:       path,
		Name:       name,
		Folder:     folder,
		Mode:       mode,
		UID:        uid,
		GID:        gid,
		Size:       size,
		NLink:      nlink,
		MTime:      mtime,
		ATime:      atime,
		CTime:      ctime,
		LinkSource: linkSource,
	}
}

// FromCacheStat builds a Node describing the file currently on local disk
// at cachePath, whose virtual path is path. It reads the symlink target if
// the cached file is itself a symlink, mirroring update_from_cache.
func FromCacheStat(path, cachePath string, fi os.FileInfo, sys *syscall.Stat_t) (*Node, error) {
	folder, name := splitPath(path)

	node := &Node{
		Path:   path,
		Name:   name,
		Folder: folder,
		Mode:   sys.Mode,
		UID:    sys.Uid,
		GID:    sys.Gid,
		NLink:  uint32(sys.Nlink),
		Size:   fi.Size(),
		MTime:  time.Unix(sys.Mtim.Sec, sys.Mtim.Nsec),
		ATime:  time.Unix(sys.Atim.Sec, sys.Atim.Nsec),
		CTime:  time.Unix(sys.Ctim.Sec, sys.Ctim.Nsec),
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(cachePath)
		if err != nil {
			return nil, err
		}
		node.LinkSource = target
	}

	return node, nil
}

// Metadata header keys, matching the Python implementation's
// x-object-meta-fs-* convention exactly (ncw/swift's Metadata type strips
// the "X-Object-Meta-" prefix and lowercases the remainder, so these are
// the bare keys as seen through swift.Headers.ObjectMetadata()).
const (
	metaMode       = "fs-mode"
	metaUID        = "fs-uid"
	metaGID        = "fs-gid"
	metaMTime      = "fs-mtime"
	metaATime      = "fs-atime"
	metaCTime      = "fs-ctime"
	metaNLink      = "fs-nlink"
	metaSize       = "fs-size"
	metaLinkSource = "fs-link-source"
	metaDeletedOn  = "fs-deleted-on"
)

// FromHeaders builds a Node from an object's name and the HTTP headers
// returned by a HEAD/GET against it, applying the snapshot-timestamp
// visibility rule: if the object carries a deleted-on marker at or before
// snapshot, the second return value is false and the node should not be
// surfaced to the tree (update_from_swift's include_fsnode logic).
//
// A zero snapshot means "no snapshot restriction" (mount as of now).
func FromHeaders(objectName string, headers swift.Headers, snapshot time.Time) (*Node, bool) {
	meta := headers.ObjectMetadata()

	node := &Node{}
	if raw, ok := meta[metaDeletedOn]; ok && raw != "" {
		if sec, err := strconv.ParseFloat(raw, 64); err == nil {
			node.DeletedOn = time.Unix(0, int64(sec*float64(time.Second)))
		}
	}
	if !node.DeletedOn.IsZero() {
		if snapshot.IsZero() || !node.DeletedOn.After(snapshot) {
			return nil, false
		}
	}

	node.Folder, node.Name = splitPath(objectName)
	node.Path = objectName
	node.Mode = uint32(parseUint(meta[metaMode]))
	node.UID = uint32(parseUint(meta[metaUID]))
	node.GID = uint32(parseUint(meta[metaGID]))
	node.MTime = parseEpoch(meta[metaMTime])
	node.ATime = parseEpoch(meta[metaATime])
	node.CTime = parseEpoch(meta[metaCTime])
	node.NLink = uint32(parseUint(meta[metaNLink]))
	node.Size = int64(parseUint(meta[metaSize]))
	node.LinkSource = meta[metaLinkSource]

	return node, true
}

// ToHeaders renders the node's attributes as the x-object-meta-fs-* headers
// an Upload/SetMetadata call attaches to the object, the inverse of
// FromHeaders.
func (n *Node) ToHeaders() swift.Headers {
	meta := swift.Metadata{
		metaMode:  strconv.FormatUint(uint64(n.Mode), 10),
		metaUID:   strconv.FormatUint(uint64(n.UID), 10),
		metaGID:   strconv.FormatUint(uint64(n.GID), 10),
		metaMTime: formatEpoch(n.MTime),
		metaATime: formatEpoch(n.ATime),
		metaCTime: formatEpoch(n.CTime),
		metaNLink: strconv.FormatUint(uint64(n.NLink), 10),
		metaSize:  strconv.FormatInt(n.Size, 10),
	}
	if n.LinkSource != "" {
		meta[metaLinkSource] = n.LinkSource
	}
	if !n.DeletedOn.IsZero() {
		meta[metaDeletedOn] = formatEpoch(n.DeletedOn)
	}
	return meta.ObjectHeaders()
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseEpoch(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, int64(sec*float64(time.Second)))
}

func formatEpoch(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', -1, 64)
}
