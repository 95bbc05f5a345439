package fs

import (
	"context"
	"time"
)

// Filesystem is the call surface shared by every export (FUSE, NFS, S3, HTTP)
// and implemented by the caching facade in pkg/vfs. Paths are absolute and
// slash separated, rooted at the device root.
type Filesystem interface {
	GetAttr(ctx context.Context, path string) (FileAttr, error)
	ReadDir(ctx context.Context, path string) ([]string, error)
	Open(ctx context.Context, path string, flags OpenFlags) error
	Read(ctx context.Context, path string, size int, offset int64) ([]byte, error)
	ReadLink(ctx context.Context, path string) (string, error)

	Unlink(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Symlink(ctx context.Context, target, link string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Link(ctx context.Context, source, link string) error
	Chmod(ctx context.Context, path string, mode uint32) error
	Chown(ctx context.Context, path, user, group string) error
	Mknod(ctx context.Context, path string, mode uint32, dev uint32) error
	Mkdir(ctx context.Context, path string, mode uint32) error
	Utime(ctx context.Context, path string, atime, mtime time.Time) error
}

// Errors returned by Filesystem implementations and transports.
var (
	ErrNotFound             = Err("not found")
	ErrPermission           = Err("permission denied")
	ErrTransport            = Err("transport failure")
	ErrTransportUnavailable = Err("transport unavailable")
	ErrNotSupported         = Err("not supported")
	ErrInvalid              = Err("invalid argument")
)

// Err is a sentinel error type so callers can check via errors.Is.
type Err string

func (e Err) Error() string { return string(e) }
