package fuse

import (
	"context"
	"fmt"
	"reflect"
	"syscall"
	"testing"

	afs "github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/xerrors"
)

func TestCleanPath(t *testing.T) {
	tests := map[string]string{
		"":        "/",
		"/":       "/",
		"foo/bar": "/foo/bar",
		"/foo//":  "/foo",
	}
	for in, want := range tests {
		if got := cleanPath(in); got != want {
			t.Fatalf("cleanPath(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestJoinAndParent(t *testing.T) {
	if got := joinPath("/", "sdcard"); got != "/sdcard" {
		t.Fatalf("joinPath root = %q", got)
	}
	if got := joinPath("/sdcard", "a"); got != "/sdcard/a" {
		t.Fatalf("joinPath = %q", got)
	}
	if got := parentPath("/sdcard/a"); got != "/sdcard" {
		t.Fatalf("parentPath = %q", got)
	}
	if got := parentPath("/"); got != "/" {
		t.Fatalf("parentPath root = %q", got)
	}
}

func TestWithDots(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{nil, []string{".", ".."}},
		{[]string{"a"}, []string{".", "..", "a"}},
		{[]string{".", "..", "a"}, []string{".", "..", "a"}},
		{[]string{".", "a"}, []string{"..", ".", "a"}},
	}
	for _, tt := range tests {
		if got := withDots(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("withDots(%v)=%v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestErrnoForError(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{afs.ErrNotFound, syscall.ENOENT},
		{xerrors.E(xerrors.KindNotFound, "getattr", "/x"), syscall.ENOENT},
		{xerrors.E(xerrors.KindPermission, "open", "/x"), syscall.EACCES},
		{fmt.Errorf("stage: %w", afs.ErrTransport), syscall.EIO},
		{afs.ErrTransportUnavailable, syscall.ETIMEDOUT},
		{context.DeadlineExceeded, syscall.ETIMEDOUT},
		{context.Canceled, syscall.EINTR},
		{afs.ErrNotSupported, syscall.ENOTSUP},
		{afs.ErrInvalid, syscall.EINVAL},
	}
	for _, tt := range tests {
		if got := errnoForError(tt.err); got != tt.want {
			t.Fatalf("errnoForError(%v)=%v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestMountOptionsDefaults(t *testing.T) {
	opts := MountOptions{}.withDefaults()
	if opts.FsName != "adbfs" || opts.AttrTimeout <= 0 || opts.EntryTimeout <= 0 {
		t.Fatalf("unexpected defaults %+v", opts)
	}
}

func TestInodeForAttr(t *testing.T) {
	link := afs.FileAttr{Dev: 0xfd00, Ino: 42}
	if inodeForAttr(link, "/a") != inodeForAttr(link, "/b") {
		t.Fatal("hard links should share an inode")
	}
	other := afs.FileAttr{Dev: 0xfd01, Ino: 42}
	if inodeForAttr(link, "/a") == inodeForAttr(other, "/a") {
		t.Fatal("equal inode numbers on different devices must differ")
	}
	if got, want := inodeForAttr(afs.FileAttr{}, "/a"), inodeForPath("/a"); got != want {
		t.Fatalf("missing device inode: got %d, want path hash %d", got, want)
	}
}
