package mount

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/objectfs/swiftmount/internal/cachefile"
	"github.com/objectfs/swiftmount/pkg/errors"
	"github.com/objectfs/swiftmount/pkg/fsnode"
	"github.com/objectfs/swiftmount/pkg/utils"
)

// Node is every entry in the mounted tree, file or directory alike; its
// type is whatever the engine's last-known attributes say it is. This
// mirrors the original mount daemon's single dispatch table keyed by path
// rather than a class per node kind.
type Node struct {
	fs.Inode
	fs   *Filesystem
	path string
}

var (
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeRenamer    = (*Node)(nil)
	_ fs.NodeSymlinker  = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeStatfser   = (*Node)(nil)
	_ fs.NodeGetxattrer = (*Node)(nil)
	_ fs.NodeListxattrer = (*Node)(nil)
)

func callerIDs(ctx context.Context) (uid, gid uint32) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid, caller.Gid
	}
	return 0, 0
}

func fillAttr(out *fuse.Attr, attr fsnode.Attr) {
	out.Mode = attr.Mode
	out.Size = uint64(attr.Size)
	out.Nlink = attr.NLink
	out.Uid = attr.UID
	out.Gid = attr.GID
	out.Mtime = uint64(attr.MTime.Unix())
	out.Mtimensec = uint32(attr.MTime.Nanosecond())
	out.Atime = uint64(attr.ATime.Unix())
	out.Atimensec = uint32(attr.ATime.Nanosecond())
	out.Ctime = uint64(attr.CTime.Unix())
	out.Ctimensec = uint32(attr.CTime.Nanosecond())
}

// Lookup resolves name under this directory via the engine's index/cache
// fallback, and builds a child inode typed by the resolved mode's file
// type bits.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := utils.JoinRemotePath(n.path, name)

	attr, err := n.fs.engine.GetAttr(ctx, childPath)
	if err != nil {
		return nil, errors.ToErrno(err)
	}

	child := &Node{fs: n.fs, path: childPath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: attr.Mode & syscall.S_IFMT}), 0
}

// Getattr fills out from the engine's current view of this node.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fs.engine.GetAttr(ctx, n.path)
	if err != nil {
		return errors.ToErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Setattr applies whichever of mode/uid-gid/size the kernel asked to
// change. Bare timestamp-only requests (utimens) are accepted without
// effect, per the kernel bridge's documented default for that op.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if in.Valid&fuse.FATTR_MODE != 0 {
		if err := n.fs.engine.Chmod(ctx, n.path, in.Mode); err != nil {
			return errors.ToErrno(err)
		}
	}
	if in.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		attr, err := n.fs.engine.GetAttr(ctx, n.path)
		if err != nil {
			return errors.ToErrno(err)
		}
		uid, gid := attr.UID, attr.GID
		if in.Valid&fuse.FATTR_UID != 0 {
			uid = in.Uid
		}
		if in.Valid&fuse.FATTR_GID != 0 {
			gid = in.Gid
		}
		if err := n.fs.engine.Chown(ctx, n.path, uid, gid); err != nil {
			return errors.ToErrno(err)
		}
	}
	if in.Valid&fuse.FATTR_SIZE != 0 {
		var cfh *cachefile.Handle
		if h, ok := fh.(*FileHandle); ok {
			cfh = h.cfh
		}
		if err := n.fs.engine.Truncate(ctx, n.path, int64(in.Size), cfh); err != nil {
			return errors.ToErrno(err)
		}
	}

	attr, err := n.fs.engine.GetAttr(ctx, n.path)
	if err != nil {
		return errors.ToErrno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Opendir/Readdir: Readdir lists children through the engine's index.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := n.fs.engine.Readdir(ctx, n.path)
	if err != nil {
		return nil, errors.ToErrno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		mode := uint32(syscall.S_IFREG)
		if attr, attrErr := n.fs.engine.GetAttr(ctx, utils.JoinRemotePath(n.path, name)); attrErr == nil {
			mode = attr.Mode & syscall.S_IFMT
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a directory at name and returns its inode.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := utils.JoinRemotePath(n.path, name)
	if err := n.fs.engine.Mkdir(ctx, childPath, mode); err != nil {
		return nil, errors.ToErrno(err)
	}
	return n.NewInode(ctx, &Node{fs: n.fs, path: childPath}, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Create makes a new regular file, opens it, and returns its handle.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := utils.JoinRemotePath(n.path, name)
	uid, gid := callerIDs(ctx)

	h, err := n.fs.engine.Create(ctx, childPath, mode, uid, gid)
	if err != nil {
		return nil, nil, 0, errors.ToErrno(err)
	}

	child := n.NewInode(ctx, &Node{fs: n.fs, path: childPath}, fs.StableAttr{Mode: syscall.S_IFREG})
	return child, &FileHandle{fs: n.fs, path: childPath, cfh: h}, 0, 0
}

// Open opens an existing file, triggering a download into the cache on
// first access if the path isn't cached locally yet.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.fs.engine.Open(ctx, n.path, int(flags))
	if err != nil {
		return nil, 0, errors.ToErrno(err)
	}
	return &FileHandle{fs: n.fs, path: n.path, cfh: h}, 0, 0
}

// Unlink soft-deletes the file at name.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	childPath := utils.JoinRemotePath(n.path, name)
	return errors.ToErrno(n.fs.engine.Unlink(ctx, childPath))
}

// Rmdir soft-deletes the (empty) directory at name.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := utils.JoinRemotePath(n.path, name)
	return errors.ToErrno(n.fs.engine.Rmdir(ctx, childPath))
}

// Rename moves name under this directory to newName under newParent.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	destDir, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	oldPath := utils.JoinRemotePath(n.path, name)
	newPath := utils.JoinRemotePath(destDir.path, newName)
	return errors.ToErrno(n.fs.engine.Rename(ctx, oldPath, newPath))
}

// Symlink creates a symlink at name pointing at target.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := utils.JoinRemotePath(n.path, name)
	if err := n.fs.engine.Symlink(ctx, childPath, target); err != nil {
		return nil, errors.ToErrno(err)
	}
	return n.NewInode(ctx, &Node{fs: n.fs, path: childPath}, fs.StableAttr{Mode: syscall.S_IFLNK}), 0
}

// Link adds name as another directory entry for target's existing inode.
// Hard links carry no representation in the engine or the metadata index
// (deferred per spec.md's Non-goals); this only shares target's inode at
// the new dentry so link(2) succeeds instead of failing, matching the
// documented default for nontrivial-but-unimplemented ops (the same
// no-op-success pattern as Getxattr/Listxattr below).
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	targetInode := target.EmbeddedInode()
	n.AddChild(name, targetInode, false)
	return targetInode, 0
}

// Readlink returns the target of the symlink at this node's path.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fs.engine.Readlink(ctx, n.path)
	if err != nil {
		return nil, errors.ToErrno(err)
	}
	return []byte(target), 0
}

// Statfs reports the local filesystem backing the cache root.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fs.engine.Statfs(ctx)
	if err != nil {
		return errors.ToErrno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.BlocksFree
	out.Bavail = st.BlocksAvail
	out.Files = st.Files
	out.Ffree = st.FilesFree
	out.Bsize = st.BlockSize
	out.NameLen = st.NameLen
	return 0
}

// Getxattr/Listxattr: xattrs are out of scope; report "no attributes"
// successfully rather than failing the caller, per the kernel bridge's
// documented default for these ops.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return 0, 0
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return 0, 0
}
