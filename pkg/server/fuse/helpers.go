package fuse

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	afs "github.com/jacktea/adbfs/pkg/fs"
)

// MountOptions configures Mount.
type MountOptions struct {
	// FsName is shown as the mount source, e.g. the device serial.
	FsName     string
	AllowOther bool
	Debug      bool
	// AttrTimeout and EntryTimeout are the kernel cache lifetimes. The
	// adbfs caches sit behind them, so short values are fine.
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
	Logger       zerolog.Logger
}

func (o MountOptions) withDefaults() MountOptions {
	if o.FsName == "" {
		o.FsName = "adbfs"
	}
	if o.AttrTimeout <= 0 {
		o.AttrTimeout = time.Second
	}
	if o.EntryTimeout <= 0 {
		o.EntryTimeout = time.Second
	}
	return o
}

// cleanPath normalises mount-relative paths.
func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func joinPath(base, name string) string {
	return cleanPath(path.Join(base, name))
}

func parentPath(p string) string {
	p = cleanPath(p)
	if p == "/" {
		return "/"
	}
	return path.Dir(p)
}

// withDots prepends "." and ".." unless the remote listing already has them.
func withDots(names []string) []string {
	var hasDot, hasDotDot bool
	for _, name := range names {
		switch name {
		case ".":
			hasDot = true
		case "..":
			hasDotDot = true
		}
	}
	out := make([]string, 0, len(names)+2)
	if !hasDot {
		out = append(out, ".")
	}
	if !hasDotDot {
		out = append(out, "..")
	}
	return append(out, names...)
}

func inodeForPath(p string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	ino := h.Sum64()
	if ino == 0 {
		return 1
	}
	return ino
}

// inodeForAttr uses the device's own identity when stat reported one, so
// hard links share an inode and a new file at a renamed path gets its own.
// Inode numbers repeat across device mounts, so st_dev is mixed in.
func inodeForAttr(attr afs.FileAttr, p string) uint64 {
	if attr.Ino == 0 {
		return inodeForPath(p)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], attr.Dev)
	binary.LittleEndian.PutUint64(buf[8:], attr.Ino)
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	ino := h.Sum64()
	if ino <= 1 {
		ino += 2
	}
	return ino
}

// errnoForError converts adbfs errors to syscall errno codes.
func errnoForError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, afs.ErrTransportUnavailable):
		return syscall.ETIMEDOUT
	case errors.Is(err, afs.ErrNotFound), os.IsNotExist(err):
		return syscall.ENOENT
	case errors.Is(err, afs.ErrPermission), os.IsPermission(err):
		return syscall.EACCES
	case errors.Is(err, afs.ErrNotSupported):
		return syscall.ENOTSUP
	case errors.Is(err, afs.ErrInvalid):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}
