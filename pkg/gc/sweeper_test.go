package gc

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/remote"
	"github.com/jacktea/adbfs/pkg/remote/remotetest"
	"github.com/jacktea/adbfs/pkg/staging"
	"github.com/jacktea/adbfs/pkg/vfs"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestFS(t *testing.T, ledger *staging.Ledger) (*vfs.FS, *remotetest.Device, *testClock) {
	t.Helper()
	local := afero.NewMemMapFs()
	dev := remotetest.NewDevice(local)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	fsys, err := vfs.New(dev, vfs.Options{
		LocalRoot: "/cache",
		Mirror:    local,
		Ledger:    ledger,
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	return fsys, dev, clock
}

func openLedger(t *testing.T) *staging.Ledger {
	t.Helper()
	ledger, err := staging.Open(staging.Config{Path: filepath.Join(t.TempDir(), "staging.db")})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestSweeperDropsIdleWindows(t *testing.T) {
	ctx := context.Background()
	fsys, dev, clock := newTestFS(t, nil)
	dev.AddFile("/sdcard/a", []byte("aaaa"), 0o644)
	dev.AddFile("/sdcard/b", []byte("bbbb"), 0o644)

	if _, err := fsys.Read(ctx, "/sdcard/a", 4, 0); err != nil {
		t.Fatalf("read a: %v", err)
	}
	clock.Advance(6 * time.Minute)
	if _, err := fsys.Read(ctx, "/sdcard/b", 4, 0); err != nil {
		t.Fatalf("read b: %v", err)
	}
	clock.Advance(5 * time.Minute)

	sweeper := NewSweeper(Options{
		Chunks:  fsys.Chunks(),
		Pruners: []Pruner{fsys.Attrs(), fsys.Dirs()},
		Idle:    10 * time.Minute,
	})
	count, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 window dropped, got %d", count)
	}
	if _, ok := fsys.Chunks().Window("/sdcard/a"); ok {
		t.Fatal("expected /sdcard/a window to be gone")
	}
	if _, ok := fsys.Chunks().Window("/sdcard/b"); !ok {
		t.Fatal("expected /sdcard/b window to survive")
	}
}

func TestSweeperPrunesExpiredAttrs(t *testing.T) {
	ctx := context.Background()
	fsys, dev, clock := newTestFS(t, nil)
	dev.AddFile("/sdcard/a", nil, 0o644)
	if _, err := fsys.GetAttr(ctx, "/sdcard/a"); err != nil {
		t.Fatalf("getattr: %v", err)
	}
	if fsys.Attrs().Len() != 1 {
		t.Fatalf("expected one cached attr, got %d", fsys.Attrs().Len())
	}
	clock.Advance(181 * time.Second)

	sweeper := NewSweeper(Options{Chunks: fsys.Chunks(), Pruners: []Pruner{fsys.Attrs()}})
	if _, err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if fsys.Attrs().Len() != 0 {
		t.Fatalf("expected expired attr to be pruned, got %d", fsys.Attrs().Len())
	}
}

func TestSweeperRequiresChunks(t *testing.T) {
	if _, err := NewSweeper(Options{}).Sweep(context.Background()); err == nil {
		t.Fatal("expected error without chunk cache")
	}
}

func TestSweeperStartStops(t *testing.T) {
	fsys, _, _ := newTestFS(t, nil)
	sweeper := NewSweeper(Options{Chunks: fsys.Chunks()})
	cancel := sweeper.Start(context.Background(), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	cancel()
}

func TestPurgeRemovesScratchState(t *testing.T) {
	ctx := context.Background()
	ledger := openLedger(t)
	fsys, dev, _ := newTestFS(t, ledger)
	dev.AddFile("/sdcard/a", []byte("aaaa"), 0o644)
	if _, err := fsys.Read(ctx, "/sdcard/a", 4, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	staged := fsys.Chunks().StagingPath("/sdcard/a")
	if _, ok := dev.Staged(staged); !ok {
		t.Fatalf("expected %s to be staged", staged)
	}

	removed, err := Purge(ctx, PurgeOptions{
		Transport:  dev,
		Ledger:     ledger,
		Mirror:     fsys.Mirror(),
		DeviceRoot: "/data/local/tmp/adbfs",
	})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 staging file removed, got %d", removed)
	}
	if _, ok := dev.Staged(staged); ok {
		t.Fatal("expected staging file to be removed")
	}
	exists, _ := afero.Exists(fsys.Mirror().Fs(), fsys.Mirror().Path("/sdcard/a"))
	if exists {
		t.Fatal("expected mirror file to be purged")
	}
	entries, err := ledger.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty ledger, got %v", entries)
	}
}

func TestPurgeRefusesSharedDeviceRoot(t *testing.T) {
	ctx := context.Background()
	fsys, dev, _ := newTestFS(t, nil)
	dev.AddFile("/sdcard/DCIM/photo.jpg", []byte("jpeg"), 0o644)

	for _, root := range []string{"/", "/sdcard", "/sdcard/DCIM", "/data/adbfs/..", "adbfs"} {
		_, err := Purge(ctx, PurgeOptions{Transport: dev, Mirror: fsys.Mirror(), DeviceRoot: root})
		if !errors.Is(err, fs.ErrInvalid) {
			t.Fatalf("Purge(%q) = %v, want ErrInvalid", root, err)
		}
	}
	if _, ok := dev.Lookup("/sdcard/DCIM/photo.jpg"); !ok {
		t.Fatal("expected device files to survive")
	}
	if dev.Calls(remote.MutateRemoveAll.String()) != 0 {
		t.Fatalf("unexpected recursive removal")
	}

	for _, root := range []string{"/data/local/tmp/adbfs", "/sdcard/.adbfs-cache"} {
		if err := CheckPurgeRoot(root); err != nil {
			t.Fatalf("CheckPurgeRoot(%q): %v", root, err)
		}
	}
}
