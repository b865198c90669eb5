package pbo

import (
	"context"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
)

type FSNode struct {
	fs.Inode
	filesystem *PBOFileSystem
	node       *treeNode
	attr       fuse.Attr
}

func (n *FSNode) OnAdd(ctx context.Context) {
	log.Debug().Str("path", n.node.Path).Msg("OnAdd called")
}

func (n *FSNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	log.Debug().Str("path", n.node.Path).Msg("Getattr called")

	node := n.node

	out.Ino = node.Attr.Ino
	out.Size = node.Attr.Size
	out.Blocks = node.Attr.Blocks
	out.Atime = node.Attr.Atime
	out.Mtime = node.Attr.Mtime
	out.Ctime = node.Attr.Ctime
	out.Mode = node.Attr.Mode
	out.Nlink = node.Attr.Nlink
	out.Owner = node.Attr.Owner

	return fs.OK
}

func (n *FSNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.node.Path).Str("name", name).Msg("Lookup called")

	childPath := path.Join(n.node.Path, name)

	n.filesystem.cacheMutex.RLock()
	entry, found := n.filesystem.lookupCache[childPath]
	n.filesystem.cacheMutex.RUnlock()
	if found {
		log.Debug().Str("path", childPath).Msg("Lookup cache hit")
		out.Attr = entry.attr
		return entry.inode, fs.OK
	}

	child := n.filesystem.Get(childPath)
	if child == nil {
		return nil, syscall.ENOENT
	}

	out.Attr = child.Attr

	childInode := n.NewInode(ctx, &FSNode{filesystem: n.filesystem, node: child, attr: child.Attr}, fs.StableAttr{Mode: child.Attr.Mode, Ino: child.Attr.Ino})

	n.filesystem.cacheMutex.Lock()
	n.filesystem.lookupCache[childPath] = &lookupCacheEntry{inode: childInode, attr: child.Attr}
	n.filesystem.cacheMutex.Unlock()

	return childInode, fs.OK
}

func (n *FSNode) Opendir(ctx context.Context) syscall.Errno {
	log.Debug().Str("path", n.node.Path).Msg("Opendir called")
	if n.node.NodeType != dirNode {
		return syscall.ENOTDIR
	}
	return fs.OK
}

func (n *FSNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	log.Debug().Str("path", n.node.Path).Uint32("flags", flags).Msg("Open called")

	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	// Member content never changes while mounted.
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *FSNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	log.Debug().Str("path", n.node.Path).Int64("offset", off).Msg("Read called")

	if n.node.NodeType != fileNode {
		return nil, syscall.EISDIR
	}

	nRead, err := n.filesystem.ReadFile(n.node, dest, off)
	if err != nil {
		return nil, syscall.EIO
	}

	return fuse.ReadResultData(dest[:nRead]), fs.OK
}

func (n *FSNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	log.Debug().Str("path", n.node.Path).Msg("Readdir called")

	dirEntries := n.filesystem.ListDirectory(n.node.Path)
	return fs.NewListDirStream(dirEntries), fs.OK
}

func (n *FSNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	log.Debug().Str("path", n.node.Path).Msg("Setattr called")
	return syscall.EROFS
}

func (n *FSNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	log.Debug().Str("path", n.node.Path).Str("name", name).Uint32("flags", flags).Uint32("mode", mode).Msg("Create called")
	return nil, nil, 0, syscall.EROFS
}

func (n *FSNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.node.Path).Str("name", name).Uint32("mode", mode).Msg("Mkdir called")
	return nil, syscall.EROFS
}

func (n *FSNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	log.Debug().Str("path", n.node.Path).Str("name", name).Msg("Rmdir called")
	return syscall.EROFS
}

func (n *FSNode) Unlink(ctx context.Context, name string) syscall.Errno {
	log.Debug().Str("path", n.node.Path).Str("name", name).Msg("Unlink called")
	return syscall.EROFS
}

func (n *FSNode) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	log.Debug().Str("path", n.node.Path).Str("old_name", oldName).Str("new_name", newName).Uint32("flags", flags).Msg("Rename called")
	return syscall.EROFS
}

func (n *FSNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.node.Path).Str("name", name).Msg("Symlink called")
	return nil, syscall.EROFS
}
