package nfs

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	nfsfile "github.com/willscott/go-nfs/file"

	"github.com/jacktea/adbfs/pkg/remote/remotetest"
	"github.com/jacktea/adbfs/pkg/vfs"
)

func newTestFS(t *testing.T) (*filesystem, *remotetest.Device) {
	t.Helper()
	local := afero.NewMemMapFs()
	dev := remotetest.NewDevice(local)
	dev.AddDir("/sdcard")
	backend, err := vfs.New(dev, vfs.Options{LocalRoot: "/cache", Mirror: local})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	bfs, err := newFilesystem(context.Background(), backend, "/sdcard")
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}
	return bfs.(*filesystem), dev
}

func TestFilesystemOpenRead(t *testing.T) {
	fsys, dev := newTestFS(t)
	dev.AddFile("/sdcard/hello.txt", []byte("hello world"), 0o644)

	r, err := fsys.Open("/hello.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected data %q", string(data))
	}
	if _, err := r.Seek(6, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	buf := make([]byte, 5)
	if n, err := r.Read(buf); err != nil || string(buf[:n]) != "world" {
		t.Fatalf("read after seek = %q, %v", buf[:n], err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := r.Read(buf); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFilesystemReadAtEOF(t *testing.T) {
	fsys, dev := newTestFS(t)
	dev.AddFile("/sdcard/short", []byte("abc"), 0o644)
	f, err := fsys.Open("/short")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 1)
	if n != 2 || !errors.Is(err, io.EOF) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
}

func TestFilesystemRefusesContentWrites(t *testing.T) {
	fsys, dev := newTestFS(t)
	dev.AddFile("/sdcard/a", []byte("a"), 0o644)

	if _, err := fsys.Create("/new.txt"); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("create: expected ErrPermission, got %v", err)
	}
	if _, err := fsys.OpenFile("/a", os.O_RDWR, 0); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("open rw: expected ErrPermission, got %v", err)
	}
	if _, err := fsys.TempFile("/", "tmp"); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("tempfile: expected ErrPermission, got %v", err)
	}
	f, err := fsys.Open("/a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte("x")); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("write: expected ErrPermission, got %v", err)
	}
}

func TestFilesystemReadDir(t *testing.T) {
	fsys, dev := newTestFS(t)
	dev.ShowDots = true
	dev.AddFile("/sdcard/a.txt", []byte("aaa"), 0o640)
	dev.AddDir("/sdcard/d")

	infos, err := fsys.ReadDir("/")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "d" {
		t.Fatalf("unexpected entries %v", names)
	}
	for _, info := range infos {
		switch info.Name() {
		case "a.txt":
			if info.IsDir() || info.Size() != 3 || info.Mode().Perm() != 0o640 {
				t.Fatalf("unexpected file info %v %d %v", info.IsDir(), info.Size(), info.Mode())
			}
		case "d":
			if !info.IsDir() || info.Mode()&os.ModeDir == 0 {
				t.Fatalf("expected directory mode, got %v", info.Mode())
			}
		}
		if _, ok := info.Sys().(*nfsfile.FileInfo); !ok {
			t.Fatalf("expected nfs file info in Sys, got %T", info.Sys())
		}
	}
}

func TestFilesystemMkdirAllRenameRemove(t *testing.T) {
	fsys, dev := newTestFS(t)
	if err := fsys.MkdirAll("/d/sub", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, ok := dev.Lookup("/sdcard/d/sub"); !ok {
		t.Fatal("expected /sdcard/d/sub on device")
	}
	if err := fsys.Rename("/d/sub", "/d/moved"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	info, err := fsys.Stat("/d/moved")
	if err != nil || !info.IsDir() {
		t.Fatalf("stat moved: %v", err)
	}
	if _, err := fsys.Stat("/d/sub"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected old path gone, got %v", err)
	}
	if err := fsys.Remove("/d/moved"); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	dev.AddFile("/sdcard/d/f", nil, 0o644)
	if err := fsys.Remove("/d/f"); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	infos, err := fsys.ReadDir("/d")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected empty dir, got %d entries", len(infos))
	}
}

func TestFilesystemSymlink(t *testing.T) {
	fsys, dev := newTestFS(t)
	dev.AddFile("/sdcard/target", []byte("t"), 0o644)
	if err := fsys.Symlink("target", "/link"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	got, err := fsys.Readlink("/link")
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if got != "target" {
		t.Fatalf("unexpected target %q", got)
	}
	info, err := fsys.Lstat("/link")
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("expected symlink mode, got %v", info.Mode())
	}
}

func TestFilesystemChange(t *testing.T) {
	fsys, dev := newTestFS(t)
	dev.AddFile("/sdcard/a", nil, 0o644)

	if err := fsys.Chmod("/a", 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := fsys.Chown("/a", 1000, 1015); err != nil {
		t.Fatalf("chown: %v", err)
	}
	mtime := time.Unix(1_650_000_000, 0)
	if err := fsys.Chtimes("/a", mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	info, err := fsys.Stat("/a")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 || !info.ModTime().Equal(mtime) {
		t.Fatalf("unexpected info %v %v", info.Mode(), info.ModTime())
	}
	sys := info.Sys().(*nfsfile.FileInfo)
	if sys.UID != 1000 || sys.GID != 1015 {
		t.Fatalf("unexpected owner %d:%d", sys.UID, sys.GID)
	}
}

func TestFilesystemChrootStaysInside(t *testing.T) {
	fsys, dev := newTestFS(t)
	dev.AddFile("/sdcard/d/f", []byte("x"), 0o644)
	sub, err := fsys.Chroot("/d")
	if err != nil {
		t.Fatalf("chroot: %v", err)
	}
	if sub.Root() != "/sdcard/d" {
		t.Fatalf("unexpected root %q", sub.Root())
	}
	if _, err := sub.Stat("/f"); err != nil {
		t.Fatalf("stat in chroot: %v", err)
	}
	if _, err := sub.Stat("../../f"); err != nil {
		t.Fatalf("expected dot-dot to stay below the chroot: %v", err)
	}
}

func TestNewFilesystemRejectsFileExport(t *testing.T) {
	local := afero.NewMemMapFs()
	dev := remotetest.NewDevice(local)
	dev.AddFile("/sdcard/file", nil, 0o644)
	backend, err := vfs.New(dev, vfs.Options{LocalRoot: "/cache", Mirror: local})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := newFilesystem(context.Background(), backend, "/sdcard/file"); !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := newFilesystem(context.Background(), backend, "/missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}
