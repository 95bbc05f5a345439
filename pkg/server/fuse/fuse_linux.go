//go:build linux

package fuse

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	afs "github.com/jacktea/adbfs/pkg/fs"
)

const defaultBlkSz = 4096

// Mount serves filesystem at mountpoint until ctx is canceled.
func Mount(ctx context.Context, filesystem afs.Filesystem, mountpoint string, opts MountOptions) error {
	if filesystem == nil {
		return fmt.Errorf("fuse: nil filesystem")
	}
	opts = opts.withDefaults()
	root := &node{fsys: filesystem}
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     opts.FsName,
			Name:       "adbfs",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
		AttrTimeout:  &opts.AttrTimeout,
		EntryTimeout: &opts.EntryTimeout,
	})
	if err != nil {
		return err
	}
	opts.Logger.Info().Str("mountpoint", mountpoint).Str("source", opts.FsName).Msg("mounted")
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := server.Unmount(); err != nil {
				opts.Logger.Warn().Err(err).Str("mountpoint", mountpoint).Msg("unmount failed")
			}
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	opts.Logger.Info().Str("mountpoint", mountpoint).Msg("unmounted")
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// node is one inode of the mounted tree. Directories, files and symlinks
// share the type; the facade decides what each call means for a path.
type node struct {
	gofuse.Inode
	fsys afs.Filesystem
}

// remotePath resolves the node's current device path from the inode tree,
// so a rename of the node or of any ancestor is picked up.
func (n *node) remotePath() string {
	return cleanPath(n.Path(n.Root()))
}

var (
	_ gofuse.NodeLookuper   = (*node)(nil)
	_ gofuse.NodeReaddirer  = (*node)(nil)
	_ gofuse.NodeGetattrer  = (*node)(nil)
	_ gofuse.NodeSetattrer  = (*node)(nil)
	_ gofuse.NodeOpener     = (*node)(nil)
	_ gofuse.NodeReader     = (*node)(nil)
	_ gofuse.NodeReadlinker = (*node)(nil)
	_ gofuse.NodeCreater    = (*node)(nil)
	_ gofuse.NodeMkdirer    = (*node)(nil)
	_ gofuse.NodeMknoder    = (*node)(nil)
	_ gofuse.NodeUnlinker   = (*node)(nil)
	_ gofuse.NodeRmdirer    = (*node)(nil)
	_ gofuse.NodeSymlinker  = (*node)(nil)
	_ gofuse.NodeLinker     = (*node)(nil)
	_ gofuse.NodeRenamer    = (*node)(nil)
)

func (n *node) child(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinPath(n.remotePath(), name)
	attr, err := n.fsys.GetAttr(ctx, childPath)
	if err != nil {
		return nil, errnoForError(err)
	}
	fuseAttr := toFuseAttr(attr, childPath)
	out.NodeId = fuseAttr.Ino
	out.Attr = fuseAttr
	stable := gofuse.StableAttr{Mode: attr.Mode & afs.ModeTypeMask, Ino: fuseAttr.Ino}
	return n.NewInode(ctx, &node{fsys: n.fsys}, stable), 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return n.child(ctx, name, out)
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	dir := n.remotePath()
	names, err := n.fsys.ReadDir(ctx, dir)
	if err != nil {
		return nil, errnoForError(err)
	}
	entries := make([]fuse.DirEntry, 0, len(names)+2)
	for _, name := range withDots(names) {
		var ino uint64
		switch name {
		case ".":
			ino = inodeForPath(dir)
		case "..":
			ino = inodeForPath(parentPath(dir))
		default:
			ino = inodeForPath(joinPath(dir, name))
		}
		entries = append(entries, fuse.DirEntry{Name: name, Ino: ino})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (n *node) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	p := n.remotePath()
	attr, err := n.fsys.GetAttr(ctx, p)
	if err != nil {
		return errnoForError(err)
	}
	out.Attr = toFuseAttr(attr, p)
	return 0
}

// Setattr maps mode, owner and time changes onto chmod, chown and utime.
// Size changes would write content and are refused.
func (n *node) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if _, ok := in.GetSize(); ok {
		return syscall.EACCES
	}
	p := n.remotePath()
	if mode, ok := in.GetMode(); ok {
		if err := n.fsys.Chmod(ctx, p, mode&afs.ModePermMask); err != nil {
			return errnoForError(err)
		}
	}
	uid, uidOK := in.GetUID()
	gid, gidOK := in.GetGID()
	atime, atimeOK := in.GetATime()
	mtime, mtimeOK := in.GetMTime()
	if (gidOK && !uidOK) || atimeOK != mtimeOK {
		current, err := n.fsys.GetAttr(ctx, p)
		if err != nil {
			return errnoForError(err)
		}
		if !uidOK {
			uid = current.UID
		}
		if !atimeOK {
			atime = time.Unix(current.Atime, 0)
		}
		if !mtimeOK {
			mtime = time.Unix(current.Mtime, 0)
		}
	}
	if uidOK || gidOK {
		group := ""
		if gidOK {
			group = strconv.FormatUint(uint64(gid), 10)
		}
		if err := n.fsys.Chown(ctx, p, strconv.FormatUint(uint64(uid), 10), group); err != nil {
			return errnoForError(err)
		}
	}
	if atimeOK || mtimeOK {
		if err := n.fsys.Utime(ctx, p, atime, mtime); err != nil {
			return errnoForError(err)
		}
	}
	return n.Getattr(ctx, fh, out)
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if err := n.fsys.Open(ctx, n.remotePath(), afs.OpenFlags(flags&syscall.O_ACCMODE)); err != nil {
		return nil, 0, errnoForError(err)
	}
	return nil, 0, 0
}

func (n *node) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if len(dest) == 0 {
		return fuse.ReadResultData(nil), 0
	}
	data, err := n.fsys.Read(ctx, n.remotePath(), len(dest), off)
	if err != nil {
		return nil, errnoForError(err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.ReadLink(ctx, n.remotePath())
	if err != nil {
		return nil, errnoForError(err)
	}
	return []byte(target), 0
}

// Create would write content, which the facade never allows.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EACCES
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if err := n.fsys.Mkdir(ctx, joinPath(n.remotePath(), name), mode&afs.ModePermMask); err != nil {
		return nil, errnoForError(err)
	}
	return n.child(ctx, name, out)
}

func (n *node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if err := n.fsys.Mknod(ctx, joinPath(n.remotePath(), name), mode, dev); err != nil {
		return nil, errnoForError(err)
	}
	return n.child(ctx, name, out)
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoForError(n.fsys.Unlink(ctx, joinPath(n.remotePath(), name)))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoForError(n.fsys.Rmdir(ctx, joinPath(n.remotePath(), name)))
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if err := n.fsys.Symlink(ctx, target, joinPath(n.remotePath(), name)); err != nil {
		return nil, errnoForError(err)
	}
	return n.child(ctx, name, out)
}

func (n *node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	source, ok := target.(*node)
	if !ok {
		return nil, syscall.ENOTSUP
	}
	if err := n.fsys.Link(ctx, source.remotePath(), joinPath(n.remotePath(), name)); err != nil {
		return nil, errnoForError(err)
	}
	return n.child(ctx, name, out)
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	dest, ok := newParent.(*node)
	if !ok {
		return syscall.ENOTSUP
	}
	return errnoForError(n.fsys.Rename(ctx, joinPath(n.remotePath(), name), joinPath(dest.remotePath(), newName)))
}

func toFuseAttr(attr afs.FileAttr, p string) fuse.Attr {
	size := attr.Size
	if size < 0 {
		size = 0
	}
	return fuse.Attr{
		Ino:     inodeForAttr(attr, p),
		Mode:    attr.Mode,
		Size:    uint64(size),
		Blocks:  (uint64(size) + 511) / 512,
		Blksize: defaultBlkSz,
		Nlink:   attr.Nlink,
		Atime:   uint64(attr.Atime),
		Mtime:   uint64(attr.Mtime),
		Ctime:   uint64(attr.Ctime),
		Owner: fuse.Owner{
			Uid: attr.UID,
			Gid: attr.GID,
		},
	}
}
