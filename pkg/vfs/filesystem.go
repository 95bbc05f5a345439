// Package vfs is the caching facade every export talks to. Reads go through
// the attribute, listing and chunk caches; mutations go straight to the
// device and then invalidate what they may have changed.
package vfs

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/jacktea/adbfs/pkg/blob"
	"github.com/jacktea/adbfs/pkg/chunk"
	"github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/meta"
	"github.com/jacktea/adbfs/pkg/metrics"
	"github.com/jacktea/adbfs/pkg/remote"
	"github.com/jacktea/adbfs/pkg/staging"
	"github.com/jacktea/adbfs/pkg/xerrors"
)

// Options configures the facade and the caches it owns.
type Options struct {
	// MetadataTTL and DirectoryTTL default to 180 seconds.
	MetadataTTL  time.Duration
	DirectoryTTL time.Duration
	// MaxEntries caps each of the attribute and listing caches.
	MaxEntries int

	BlockSize   int64
	BlockCount  int64
	WaitTimeout time.Duration

	// LocalRoot holds local mirror files, DeviceRoot the device staging files.
	LocalRoot  string
	DeviceRoot string
	// Mirror is the filesystem LocalRoot lives on (the OS by default).
	Mirror afero.Fs

	Ledger  *staging.Ledger
	Metrics *metrics.Collector
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// DefaultLocalRoot returns the default mirror root under the OS temp dir.
func DefaultLocalRoot() string {
	return filepath.Join(os.TempDir(), "adbfs-cache")
}

// FS implements fs.Filesystem on top of a remote.Transport.
type FS struct {
	transport remote.Transport
	attrs     *meta.AttrCache
	dirs      *meta.DirCache
	chunks    *chunk.Cache
	mirror    *blob.Mirror
	log       zerolog.Logger
}

var _ fs.Filesystem = (*FS)(nil)

// New builds the facade and its caches.
func New(t remote.Transport, opts Options) (*FS, error) {
	if t == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "vfs.New", "transport")
	}
	if opts.LocalRoot == "" {
		opts.LocalRoot = DefaultLocalRoot()
	}
	mirror, err := blob.NewMirror(opts.Mirror, opts.LocalRoot)
	if err != nil {
		return nil, err
	}
	attrs := meta.NewAttrCache(t, meta.Options{
		TTL:        opts.MetadataTTL,
		MaxEntries: opts.MaxEntries,
		Clock:      opts.Clock,
		Metrics:    opts.Metrics,
	})
	dirs := meta.NewDirCache(t, meta.Options{
		TTL:        opts.DirectoryTTL,
		MaxEntries: opts.MaxEntries,
		Clock:      opts.Clock,
		Metrics:    opts.Metrics,
	})
	chunks, err := chunk.New(t, attrs, mirror, chunk.Options{
		BlockSize:   opts.BlockSize,
		BlockCount:  opts.BlockCount,
		DeviceRoot:  opts.DeviceRoot,
		WaitTimeout: opts.WaitTimeout,
		Ledger:      opts.Ledger,
		Metrics:     opts.Metrics,
		Logger:      opts.Logger,
		Clock:       opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	return &FS{
		transport: t,
		attrs:     attrs,
		dirs:      dirs,
		chunks:    chunks,
		mirror:    mirror,
		log:       opts.Logger,
	}, nil
}

// Transport exposes the underlying transport.
func (f *FS) Transport() remote.Transport { return f.transport }

// Attrs exposes the attribute cache.
func (f *FS) Attrs() *meta.AttrCache { return f.attrs }

// Dirs exposes the listing cache.
func (f *FS) Dirs() *meta.DirCache { return f.dirs }

// Chunks exposes the chunk cache.
func (f *FS) Chunks() *chunk.Cache { return f.chunks }

// Mirror exposes the local mirror.
func (f *FS) Mirror() *blob.Mirror { return f.mirror }

func (f *FS) GetAttr(ctx context.Context, p string) (fs.FileAttr, error) {
	return f.attrs.Get(ctx, cleanPath(p))
}

func (f *FS) ReadDir(ctx context.Context, p string) ([]string, error) {
	return f.dirs.Get(ctx, cleanPath(p))
}

// Open accepts read-only access only; content writes are not supported.
func (f *FS) Open(ctx context.Context, p string, flags fs.OpenFlags) error {
	if !flags.ReadOnly() {
		return xerrors.E(xerrors.KindPermission, "open", cleanPath(p))
	}
	return nil
}

func (f *FS) Read(ctx context.Context, p string, size int, offset int64) ([]byte, error) {
	return f.chunks.Read(ctx, cleanPath(p), offset, size)
}

// ReadLink returns the first line of the remote readlink output.
func (f *FS) ReadLink(ctx context.Context, p string) (string, error) {
	clean := cleanPath(p)
	out, err := f.transport.ReadLink(ctx, clean)
	if err != nil {
		return "", err
	}
	target, _, _ := strings.Cut(out, "\n")
	target = strings.TrimSpace(target)
	if target == "" {
		return "", xerrors.E(xerrors.KindNotFound, "readlink", clean)
	}
	return target, nil
}

func (f *FS) Unlink(ctx context.Context, p string) error {
	clean := cleanPath(p)
	return f.mutate(ctx, remote.Mutation{Kind: remote.MutateUnlink, Path: clean}, func() {
		f.dirs.Invalidate(parentPath(clean))
		f.attrs.Invalidate(clean)
		f.chunks.Invalidate(clean)
	})
}

func (f *FS) Rmdir(ctx context.Context, p string) error {
	clean := cleanPath(p)
	return f.mutate(ctx, remote.Mutation{Kind: remote.MutateRmdir, Path: clean}, func() {
		f.dirs.Invalidate(parentPath(clean))
		f.dirs.Invalidate(clean)
		f.attrs.Invalidate(clean)
	})
}

// Symlink creates link pointing at target. target is stored verbatim.
func (f *FS) Symlink(ctx context.Context, target, link string) error {
	clean := cleanPath(link)
	return f.mutate(ctx, remote.Mutation{Kind: remote.MutateSymlink, Path: clean, Target: target}, func() {
		f.dirs.Invalidate(parentPath(clean))
		f.attrs.Invalidate(clean)
	})
}

func (f *FS) Rename(ctx context.Context, oldPath, newPath string) error {
	from, to := cleanPath(oldPath), cleanPath(newPath)
	return f.mutate(ctx, remote.Mutation{Kind: remote.MutateRename, Path: from, Target: to}, func() {
		f.dirs.Invalidate(parentPath(from))
		f.dirs.Invalidate(parentPath(to))
		for _, p := range []string{from, to} {
			f.dirs.Invalidate(p)
			f.dirs.InvalidateTree(p)
			f.attrs.Invalidate(p)
			f.attrs.InvalidateTree(p)
			f.chunks.Invalidate(p)
			f.chunks.InvalidateTree(p)
		}
	})
}

// Link creates a hard link named link to source.
func (f *FS) Link(ctx context.Context, source, link string) error {
	src, dst := cleanPath(source), cleanPath(link)
	return f.mutate(ctx, remote.Mutation{Kind: remote.MutateLink, Path: src, Target: dst}, func() {
		f.dirs.Invalidate(parentPath(dst))
		f.attrs.Invalidate(src)
		f.attrs.Invalidate(dst)
	})
}

func (f *FS) Chmod(ctx context.Context, p string, mode uint32) error {
	clean := cleanPath(p)
	return f.mutate(ctx, remote.Mutation{Kind: remote.MutateChmod, Path: clean, Mode: mode}, func() {
		f.attrs.Invalidate(clean)
	})
}

// Chown changes owner and, when group is non-empty, group. Both are passed
// to the device as given, so names and numeric ids both work.
func (f *FS) Chown(ctx context.Context, p, user, group string) error {
	clean := cleanPath(p)
	return f.mutate(ctx, remote.Mutation{Kind: remote.MutateChown, Path: clean, User: user, Group: group}, func() {
		f.attrs.Invalidate(clean)
	})
}

// Mknod is refused: device nodes cannot be created through the transport.
func (f *FS) Mknod(ctx context.Context, p string, mode uint32, dev uint32) error {
	return xerrors.E(xerrors.KindPermission, "mknod", cleanPath(p))
}

func (f *FS) Mkdir(ctx context.Context, p string, mode uint32) error {
	clean := cleanPath(p)
	return f.mutate(ctx, remote.Mutation{Kind: remote.MutateMkdir, Path: clean, Mode: mode}, func() {
		f.dirs.Invalidate(parentPath(clean))
		f.attrs.Invalidate(clean)
	})
}

func (f *FS) Utime(ctx context.Context, p string, atime, mtime time.Time) error {
	clean := cleanPath(p)
	return f.mutate(ctx, remote.Mutation{Kind: remote.MutateUtime, Path: clean, ATime: atime, MTime: mtime}, func() {
		f.attrs.Invalidate(clean)
	})
}

// mutate runs m on the device and invalidates afterwards whatever the
// outcome, since a failed command may still have changed remote state.
func (f *FS) mutate(ctx context.Context, m remote.Mutation, invalidate func()) error {
	err := f.transport.Mutate(ctx, m)
	invalidate()
	if err != nil {
		f.log.Debug().Err(err).Str("op", m.Kind.String()).Str("path", m.Path).Msg("mutation failed")
		return xerrors.Wrap(xerrors.KindOf(err), m.Kind.String(), m.Path, err)
	}
	return nil
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	clean := path.Clean(p)
	if !strings.HasPrefix(clean, "/") {
		clean = "/" + clean
	}
	return clean
}

func parentPath(p string) string {
	clean := cleanPath(p)
	if clean == "/" {
		return "/"
	}
	return path.Dir(clean)
}
