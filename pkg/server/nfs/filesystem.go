package nfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	nfsfile "github.com/willscott/go-nfs/file"

	afs "github.com/jacktea/adbfs/pkg/fs"
)

// filesystem adapts an adbfs facade to billy. Content is read-only;
// namespace and attribute changes go through the facade.
type filesystem struct {
	ctx  context.Context
	back afs.Filesystem
	root string
}

func newFilesystem(ctx context.Context, backend afs.Filesystem, export string) (billy.Filesystem, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	export = cleanPath(export)
	fsys := &filesystem{ctx: ctx, back: backend, root: export}
	attr, err := backend.GetAttr(ctx, export)
	if err != nil {
		return nil, translateErr(err)
	}
	if !attr.IsDir() {
		return nil, os.ErrInvalid
	}
	return fsys, nil
}

func (f *filesystem) Create(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o666)
}

func (f *filesystem) Open(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDONLY, 0)
}

func (f *filesystem) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	if flag&(os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	if err := f.back.Open(f.ctx, full, afs.OpenFlags(flag&int(afs.OpenFlagAccMode))); err != nil {
		return nil, translateErr(err)
	}
	attr, err := f.back.GetAttr(f.ctx, full)
	if err != nil {
		return nil, translateErr(err)
	}
	if attr.IsDir() {
		return nil, os.ErrInvalid
	}
	return &file{ctx: f.ctx, back: f.back, path: full, name: filename, size: attr.Size}, nil
}

func (f *filesystem) Stat(filename string) (os.FileInfo, error) {
	full, err := f.resolve(filename)
	if err != nil {
		return nil, err
	}
	attr, err := f.back.GetAttr(f.ctx, full)
	if err != nil {
		return nil, translateErr(err)
	}
	return newInfo(path.Base(full), full, attr), nil
}

// Lstat equals Stat: the remote status line never follows links.
func (f *filesystem) Lstat(filename string) (os.FileInfo, error) {
	return f.Stat(filename)
}

func (f *filesystem) Rename(oldpath, newpath string) error {
	oldFull, err := f.resolve(oldpath)
	if err != nil {
		return err
	}
	newFull, err := f.resolve(newpath)
	if err != nil {
		return err
	}
	return translateErr(f.back.Rename(f.ctx, oldFull, newFull))
}

func (f *filesystem) Remove(filename string) error {
	full, err := f.resolve(filename)
	if err != nil {
		return err
	}
	attr, err := f.back.GetAttr(f.ctx, full)
	if err != nil {
		return translateErr(err)
	}
	if attr.IsDir() {
		return translateErr(f.back.Rmdir(f.ctx, full))
	}
	return translateErr(f.back.Unlink(f.ctx, full))
}

// ReadDir stats every listed name through the attribute cache. Names that
// vanished between the listing and the stat are skipped.
func (f *filesystem) ReadDir(p string) ([]os.FileInfo, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	names, err := f.back.ReadDir(f.ctx, full)
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]os.FileInfo, 0, len(names))
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		childPath := path.Join(full, name)
		attr, err := f.back.GetAttr(f.ctx, childPath)
		if errors.Is(err, afs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, translateErr(err)
		}
		out = append(out, newInfo(name, childPath, attr))
	}
	return out, nil
}

func (f *filesystem) MkdirAll(filename string, perm os.FileMode) error {
	full, err := f.resolve(filename)
	if err != nil {
		return err
	}
	current := "/"
	for _, part := range strings.Split(strings.TrimPrefix(full, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		attr, err := f.back.GetAttr(f.ctx, current)
		if err == nil {
			if !attr.IsDir() {
				return os.ErrExist
			}
			continue
		}
		if !errors.Is(err, afs.ErrNotFound) {
			return translateErr(err)
		}
		if err := f.back.Mkdir(f.ctx, current, fileModeBits(perm)); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

// Symlink stores target verbatim; only the link path is resolved.
func (f *filesystem) Symlink(target, link string) error {
	linkFull, err := f.resolve(link)
	if err != nil {
		return err
	}
	return translateErr(f.back.Symlink(f.ctx, target, linkFull))
}

func (f *filesystem) Readlink(link string) (string, error) {
	full, err := f.resolve(link)
	if err != nil {
		return "", err
	}
	target, err := f.back.ReadLink(f.ctx, full)
	return target, translateErr(err)
}

// TempFile would create content, which is not supported.
func (f *filesystem) TempFile(dir, prefix string) (billy.File, error) {
	return nil, os.ErrPermission
}

func (f *filesystem) Chroot(p string) (billy.Filesystem, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	return newFilesystem(f.ctx, f.back, full)
}

func (f *filesystem) Root() string {
	return f.root
}

func (f *filesystem) Join(elem ...string) string {
	res := path.Join(elem...)
	if res == "" {
		return "/"
	}
	return res
}

func (f *filesystem) Chmod(name string, mode os.FileMode) error {
	full, err := f.resolve(name)
	if err != nil {
		return err
	}
	return translateErr(f.back.Chmod(f.ctx, full, fileModeBits(mode)))
}

func (f *filesystem) Lchown(name string, uid, gid int) error {
	return f.Chown(name, uid, gid)
}

func (f *filesystem) Chown(name string, uid, gid int) error {
	full, err := f.resolve(name)
	if err != nil {
		return err
	}
	if uid < 0 {
		return os.ErrInvalid
	}
	group := ""
	if gid >= 0 {
		group = strconv.Itoa(gid)
	}
	return translateErr(f.back.Chown(f.ctx, full, strconv.Itoa(uid), group))
}

func (f *filesystem) Chtimes(name string, atime time.Time, mtime time.Time) error {
	full, err := f.resolve(name)
	if err != nil {
		return err
	}
	return translateErr(f.back.Utime(f.ctx, full, atime, mtime))
}

func (f *filesystem) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

func (f *filesystem) resolve(p string) (string, error) {
	clean := cleanPath(p)
	if f.root == "/" {
		return clean, nil
	}
	combined := path.Join(f.root, strings.TrimPrefix(clean, "/"))
	if combined != f.root && !strings.HasPrefix(combined, f.root+"/") {
		return "", os.ErrPermission
	}
	return combined, nil
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + strings.TrimSpace(p))
}

func fileModeBits(mode os.FileMode) uint32 {
	bits := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, afs.ErrNotFound):
		return os.ErrNotExist
	case errors.Is(err, afs.ErrPermission):
		return os.ErrPermission
	case errors.Is(err, afs.ErrInvalid):
		return os.ErrInvalid
	default:
		return err
	}
}

type entryInfo struct {
	name string
	attr afs.FileAttr
	ino  uint64
}

func newInfo(name, full string, attr afs.FileAttr) entryInfo {
	if full == "/" {
		name = "/"
	}
	return entryInfo{name: name, attr: attr, ino: fileID(full)}
}

func (e entryInfo) Name() string       { return e.name }
func (e entryInfo) Size() int64        { return e.attr.Size }
func (e entryInfo) Mode() os.FileMode  { return e.attr.FileMode() }
func (e entryInfo) ModTime() time.Time { return e.attr.ModTime() }
func (e entryInfo) IsDir() bool        { return e.attr.IsDir() }

// Sys carries ownership and link counts through to the NFS attributes.
func (e entryInfo) Sys() interface{} {
	return &nfsfile.FileInfo{
		Nlink:  e.attr.Nlink,
		UID:    e.attr.UID,
		GID:    e.attr.GID,
		Fileid: e.ino,
	}
}

// fileID hashes the path rather than trusting remote inode numbers, which
// repeat across the device's mounted filesystems.
func fileID(p string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(p); i++ {
		h ^= uint64(p[i])
		h *= 1099511628211
	}
	if h == 0 {
		return 1
	}
	return h
}

// file reads through the chunk cache. Writes are refused.
type file struct {
	mu     sync.Mutex
	ctx    context.Context
	back   afs.Filesystem
	path   string
	name   string
	size   int64
	offset int64
	closed bool
}

func (f *file) Name() string { return f.name }

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	return f.readAt(p, off)
}

func (f *file) readAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data, err := f.back.Read(f.ctx, f.path, len(p), off)
	if err != nil {
		return 0, translateErr(err)
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Write(p []byte) (int, error) {
	return 0, os.ErrPermission
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		newOffset = f.size + offset
	default:
		return 0, os.ErrInvalid
	}
	if newOffset < 0 {
		return f.offset, os.ErrInvalid
	}
	f.offset = newOffset
	return f.offset, nil
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *file) Lock() error   { return nil }
func (f *file) Unlock() error { return nil }

func (f *file) Truncate(size int64) error {
	return os.ErrPermission
}
