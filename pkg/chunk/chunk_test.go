package chunk

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/adbfs/pkg/blob"
	"github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/meta"
	"github.com/jacktea/adbfs/pkg/remote"
	"github.com/jacktea/adbfs/pkg/remote/remotetest"
	"github.com/jacktea/adbfs/pkg/staging"
)

type harness struct {
	dev    *remotetest.Device
	attrs  *meta.AttrCache
	mirror *blob.Mirror
	cache  *Cache
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	local := afero.NewMemMapFs()
	dev := remotetest.NewDevice(local)
	mirror, err := blob.NewMirror(local, "/cache")
	require.NoError(t, err)
	attrs := meta.NewAttrCache(dev, meta.Options{})
	cache, err := New(dev, attrs, mirror, opts)
	require.NoError(t, err)
	return &harness{dev: dev, attrs: attrs, mirror: mirror, cache: cache}
}

// lossyDevice reports success for copies that did not produce the
// requested bytes.
type lossyDevice struct {
	*remotetest.Device
	mu sync.Mutex
	// dropStage clears the staging file but copies nothing into it.
	dropStage bool
	// dropPull leaves the local file untouched.
	dropPull bool
	// limit caps the bytes a stage copies when positive.
	limit int64
}

func (l *lossyDevice) set(dropStage, dropPull bool, limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropStage, l.dropPull, l.limit = dropStage, dropPull, limit
}

func (l *lossyDevice) StageChunk(ctx context.Context, req remote.StageRequest) error {
	l.mu.Lock()
	dropStage, limit := l.dropStage, l.limit
	l.mu.Unlock()
	if dropStage {
		l.Device.Mutate(ctx, remote.Mutation{Kind: remote.MutateUnlink, Path: req.Staging})
		return nil
	}
	if limit > 0 && req.Length() > limit {
		req.BlockCount = limit / req.BlockSize
	}
	return l.Device.StageChunk(ctx, req)
}

func (l *lossyDevice) Pull(ctx context.Context, staging, local string) error {
	l.mu.Lock()
	dropPull := l.dropPull
	l.mu.Unlock()
	if dropPull {
		return nil
	}
	return l.Device.Pull(ctx, staging, local)
}

func newLossyHarness(t *testing.T, opts Options) (*harness, *lossyDevice) {
	t.Helper()
	local := afero.NewMemMapFs()
	dev := remotetest.NewDevice(local)
	lossy := &lossyDevice{Device: dev}
	mirror, err := blob.NewMirror(local, "/cache")
	require.NoError(t, err)
	attrs := meta.NewAttrCache(dev, meta.Options{})
	cache, err := New(lossy, attrs, mirror, opts)
	require.NoError(t, err)
	return &harness{dev: dev, attrs: attrs, mirror: mirror, cache: cache}, lossy
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func TestByteGranularityForSmallFile(t *testing.T) {
	h := newHarness(t, Options{})
	data := pattern(5000)
	h.dev.AddFile("/sdcard/small.bin", data, 0o644)
	ctx := context.Background()

	got, err := h.cache.Read(ctx, "/sdcard/small.bin", 0, 100)
	require.NoError(t, err)
	require.Equal(t, data[:100], got)

	req := h.cache.StageRequest("/sdcard/small.bin", 5000, 0)
	require.Equal(t, int64(1), req.BlockSize)
	require.Equal(t, int64(5000), req.BlockCount)

	info, ok := h.cache.Window("/sdcard/small.bin")
	require.True(t, ok)
	require.Equal(t, int64(0), info.Offset)
	require.Equal(t, int64(5000), info.Length)

	staged, ok := h.dev.Staged("/data/local/tmp/adbfs/sdcard/small.bin")
	require.True(t, ok)
	require.Len(t, staged, 5000)

	h.dev.ResetCalls()
	got, err = h.cache.Read(ctx, "/sdcard/small.bin", 4000, 500)
	require.NoError(t, err)
	require.Equal(t, data[4000:4500], got)
	require.Zero(t, h.dev.Calls(remotetest.OpStat))
	require.Zero(t, h.dev.Calls(remotetest.OpStage))
	require.Zero(t, h.dev.Calls(remotetest.OpPull))
}

func TestBlockModeForLargeFile(t *testing.T) {
	h := newHarness(t, Options{})
	data := pattern(5_000_000)
	h.dev.AddFile("/sdcard/big.bin", data, 0o644)

	got, err := h.cache.Read(context.Background(), "/sdcard/big.bin", 2048, 10)
	require.NoError(t, err)
	require.Equal(t, data[2048:2058], got)

	req := h.cache.StageRequest("/sdcard/big.bin", 5_000_000, 2048)
	require.Equal(t, int64(1024), req.BlockSize)
	require.Equal(t, int64(1024), req.BlockCount)
	require.Equal(t, int64(2), req.Skip())

	info, _ := h.cache.Window("/sdcard/big.bin")
	require.Equal(t, int64(2048), info.Offset)
	require.Equal(t, int64(1_048_576), info.Length)
}

func TestUnalignedBlockModeServesExactBytes(t *testing.T) {
	h := newHarness(t, Options{BlockSize: 4, BlockCount: 4})
	data := pattern(100)
	h.dev.AddFile("/f", data, 0o644)

	got, err := h.cache.Read(context.Background(), "/f", 6, 5)
	require.NoError(t, err)
	require.Equal(t, data[6:11], got)

	info, _ := h.cache.Window("/f")
	require.Equal(t, int64(4), info.Offset)
	require.Equal(t, int64(16), info.Length)
}

func TestReadSpanningSeveralWindows(t *testing.T) {
	h := newHarness(t, Options{BlockSize: 4, BlockCount: 2})
	data := pattern(100)
	h.dev.AddFile("/f", data, 0o644)

	got, err := h.cache.Read(context.Background(), "/f", 0, 20)
	require.NoError(t, err)
	require.Equal(t, data[:20], got)
	require.Equal(t, 3, h.dev.Calls(remotetest.OpStage))
}

func TestClampAndEOF(t *testing.T) {
	h := newHarness(t, Options{})
	data := pattern(5000)
	h.dev.AddFile("/f", data, 0o644)
	h.dev.AddFile("/empty", nil, 0o644)
	ctx := context.Background()

	got, err := h.cache.Read(ctx, "/f", 4990, 100)
	require.NoError(t, err)
	require.Equal(t, data[4990:], got)

	got, err = h.cache.Read(ctx, "/f", 5000, 10)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = h.cache.Read(ctx, "/empty", 0, 10)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Equal(t, 1, h.dev.Calls(remotetest.OpStage))

	_, err = h.cache.Read(ctx, "/f", -1, 10)
	require.ErrorIs(t, err, fs.ErrInvalid)

	_, err = h.cache.Read(ctx, "/missing", 0, 10)
	require.ErrorIs(t, err, fs.ErrNotFound)
}

func TestConcurrentMissesShareOneRefresh(t *testing.T) {
	h := newHarness(t, Options{})
	data := pattern(5000)
	h.dev.AddFile("/f", data, 0o644)
	ctx := context.Background()
	_, err := h.attrs.Get(ctx, "/f")
	require.NoError(t, err)

	entered, release := h.dev.Hold()
	defer release()

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = h.cache.Read(ctx, "/f", 0, 10)
	}()
	<-entered

	info, _ := h.cache.Window("/f")
	require.True(t, info.Refreshing)
	require.Zero(t, info.Length)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = h.cache.Read(ctx, "/f", 3000, 10)
	}()
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, data[0:10], results[0])
	require.Equal(t, data[3000:3010], results[1])
	require.Equal(t, 1, h.dev.Calls(remotetest.OpStage))
	require.Equal(t, 1, h.dev.Calls(remotetest.OpPull))
}

func TestFailedRefreshReturnsTransportError(t *testing.T) {
	h := newHarness(t, Options{})
	data := pattern(5000)
	h.dev.AddFile("/f", data, 0o644)
	ctx := context.Background()

	h.dev.Fail(remotetest.OpPull, errors.New("device offline"))
	got, err := h.cache.Read(ctx, "/f", 0, 10)
	require.ErrorIs(t, err, fs.ErrTransport)
	require.Empty(t, got)

	info, _ := h.cache.Window("/f")
	require.False(t, info.Refreshing)
	require.Zero(t, info.Length)

	h.dev.Fail(remotetest.OpPull, nil)
	got, err = h.cache.Read(ctx, "/f", 0, 10)
	require.NoError(t, err)
	require.Equal(t, data[:10], got)
	require.Equal(t, 2, h.dev.Calls(remotetest.OpStage))
}

func TestWaitTimeoutSurfacesUnavailable(t *testing.T) {
	h := newHarness(t, Options{WaitTimeout: 20 * time.Millisecond})
	h.dev.AddFile("/f", pattern(5000), 0o644)
	ctx := context.Background()
	_, err := h.attrs.Get(ctx, "/f")
	require.NoError(t, err)

	entered, release := h.dev.Hold()
	done := make(chan error, 1)
	go func() {
		_, err := h.cache.Read(ctx, "/f", 0, 10)
		done <- err
	}()
	<-entered

	_, err = h.cache.Read(ctx, "/f", 10, 10)
	require.ErrorIs(t, err, fs.ErrTransportUnavailable)

	release()
	require.NoError(t, <-done)
}

func TestCanceledWaiter(t *testing.T) {
	h := newHarness(t, Options{})
	h.dev.AddFile("/f", pattern(5000), 0o644)
	_, err := h.attrs.Get(context.Background(), "/f")
	require.NoError(t, err)

	entered, release := h.dev.Hold()
	defer release()
	go h.cache.Read(context.Background(), "/f", 0, 10)
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.cache.Read(ctx, "/f", 0, 10)
	require.ErrorIs(t, err, context.Canceled)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	h := newHarness(t, Options{})
	h.dev.AddFile("/f", []byte("old contents"), 0o644)
	ctx := context.Background()

	got, err := h.cache.Read(ctx, "/f", 0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("old"), got)

	h.dev.AddFile("/f", []byte("new contents"), 0o644)
	h.attrs.Invalidate("/f")
	h.cache.Invalidate("/f")

	ok, _ := afero.Exists(h.mirror.Fs(), h.mirror.Path("/f"))
	require.False(t, ok)

	got, err = h.cache.Read(ctx, "/f", 0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)
	require.Equal(t, 2, h.dev.Calls(remotetest.OpStage))
}

func TestInvalidateDuringRefreshDiscardsWindow(t *testing.T) {
	h := newHarness(t, Options{})
	data := pattern(5000)
	h.dev.AddFile("/f", data, 0o644)
	ctx := context.Background()
	_, err := h.attrs.Get(ctx, "/f")
	require.NoError(t, err)

	entered, release := h.dev.Hold()
	done := make(chan []byte, 1)
	go func() {
		b, _ := h.cache.Read(ctx, "/f", 0, 4)
		done <- b
	}()
	<-entered
	h.cache.Invalidate("/f")
	release()
	require.Equal(t, data[:4], <-done)

	info, _ := h.cache.Window("/f")
	require.Zero(t, info.Length)
}

func TestSweepDropsIdleWindows(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	ledger, err := staging.Open(staging.Config{Path: filepath.Join(t.TempDir(), "staging.db")})
	require.NoError(t, err)
	defer ledger.Close()

	h := newHarness(t, Options{Clock: clock, Ledger: ledger})
	h.dev.AddFile("/a", []byte("aaaa"), 0o644)
	h.dev.AddFile("/b", []byte("bbbb"), 0o644)
	ctx := context.Background()

	_, err = h.cache.Read(ctx, "/a", 0, 4)
	require.NoError(t, err)
	entries, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "/data/local/tmp/adbfs/a", entries[0].Staging)
	require.Equal(t, h.mirror.Path("/a"), entries[0].Local)

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()
	_, err = h.cache.Read(ctx, "/b", 0, 4)
	require.NoError(t, err)
	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()

	require.Equal(t, 1, h.cache.Sweep(ctx, 10*time.Minute))
	require.Equal(t, 1, h.cache.Len())
	_, ok := h.cache.Window("/a")
	require.False(t, ok)
	exists, _ := afero.Exists(h.mirror.Fs(), h.mirror.Path("/a"))
	require.False(t, exists)

	entries, err = ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "/b", entries[0].Remote)

	got, err := h.cache.Read(ctx, "/a", 1, 2)
	require.NoError(t, err)
	require.True(t, bytes.Equal([]byte("aa"), got))
}

func TestSilentStageFailureIsNotServed(t *testing.T) {
	h, lossy := newLossyHarness(t, Options{BlockSize: 4, BlockCount: 4})
	data := pattern(100)
	h.dev.AddFile("/f", data, 0o644)
	ctx := context.Background()

	got, err := h.cache.Read(ctx, "/f", 0, 4)
	require.NoError(t, err)
	require.Equal(t, data[0:4], got)

	lossy.set(true, false, 0)
	got, err = h.cache.Read(ctx, "/f", 40, 4)
	require.ErrorIs(t, err, fs.ErrTransport)
	require.Empty(t, got)
	info, _ := h.cache.Window("/f")
	require.Zero(t, info.Length)

	lossy.set(false, false, 0)
	got, err = h.cache.Read(ctx, "/f", 40, 4)
	require.NoError(t, err)
	require.Equal(t, data[40:44], got)
}

func TestEmptyPullDoesNotReuseOldMirror(t *testing.T) {
	h, lossy := newLossyHarness(t, Options{BlockSize: 4, BlockCount: 4})
	data := pattern(100)
	h.dev.AddFile("/f", data, 0o644)
	ctx := context.Background()

	_, err := h.cache.Read(ctx, "/f", 0, 4)
	require.NoError(t, err)

	lossy.set(false, true, 0)
	got, err := h.cache.Read(ctx, "/f", 40, 4)
	require.ErrorIs(t, err, fs.ErrTransport)
	require.Empty(t, got)
}

func TestShortByteModePullIsRejected(t *testing.T) {
	h, lossy := newLossyHarness(t, Options{})
	data := pattern(5000)
	h.dev.AddFile("/f", data, 0o644)
	ctx := context.Background()

	lossy.set(false, false, 100)
	_, err := h.cache.Read(ctx, "/f", 0, 10)
	require.ErrorIs(t, err, fs.ErrTransport)
	require.Zero(t, h.attrs.Len())
	exists, _ := afero.Exists(h.mirror.Fs(), h.mirror.Path("/f"))
	require.False(t, exists)

	lossy.set(false, false, 0)
	got, err := h.cache.Read(ctx, "/f", 0, 10)
	require.NoError(t, err)
	require.Equal(t, data[:10], got)
}

func TestNewRejectsUnsafeDeviceRoot(t *testing.T) {
	for _, root := range []string{"/", "//", "/..", "relative/adbfs"} {
		_, err := New(nil, nil, nil, Options{DeviceRoot: root})
		require.ErrorIs(t, err, fs.ErrInvalid, root)
	}

	c, err := New(nil, nil, nil, Options{DeviceRoot: "/data/local/tmp/x/"})
	require.NoError(t, err)
	require.Equal(t, "/data/local/tmp/x/sdcard/a", c.StagingPath("/sdcard/a"))
}

func TestReadRefusesStagingArea(t *testing.T) {
	h := newHarness(t, Options{})
	h.dev.AddFile("/data/local/tmp/adbfs/sdcard/a", []byte("abc"), 0o644)

	for _, p := range []string{"/data/local/tmp/adbfs/sdcard/a", "/data/local/tmp/adbfs"} {
		_, err := h.cache.Read(context.Background(), p, 0, 3)
		require.ErrorIs(t, err, fs.ErrPermission)
	}
	require.Zero(t, h.dev.Calls(remotetest.OpStage))
}
