// Package chunk serves file content from a single staged byte window per
// path. A window is produced on the device with a block copy into a staging
// file, pulled into the local mirror, and read from there until a request
// falls outside it.
package chunk

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/adbfs/pkg/blob"
	"github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/metrics"
	"github.com/jacktea/adbfs/pkg/remote"
	"github.com/jacktea/adbfs/pkg/staging"
	"github.com/jacktea/adbfs/pkg/xerrors"
)

// Defaults for Options.
const (
	DefaultBlockSize  = 1024
	DefaultBlockCount = 1024
	DefaultDeviceRoot = "/data/local/tmp/adbfs"
)

// AttrSource supplies the current size of a remote file. Invalidate is
// called when a pull disagrees with the size it reported.
type AttrSource interface {
	Get(ctx context.Context, path string) (fs.FileAttr, error)
	Invalidate(path string)
}

// Options configures a Cache.
type Options struct {
	BlockSize  int64
	BlockCount int64
	// DeviceRoot is the device directory holding staging files.
	DeviceRoot string
	// WaitTimeout bounds how long a reader waits for another reader's
	// refresh. Zero waits until the refresh ends or ctx is done.
	WaitTimeout time.Duration
	Ledger      *staging.Ledger
	Metrics     *metrics.Collector
	Logger      zerolog.Logger
	Clock       func() time.Time
}

// Cache is the per-path chunk window cache.
type Cache struct {
	transport remote.Transport
	attrs     AttrSource
	mirror    *blob.Mirror
	opts      Options

	mu      sync.Mutex
	windows map[string]*window
}

// window is the staged range [offset, offset+length) of one path. While
// refreshing is non-nil a refresh is in flight; it is closed when the
// refresh ends, successful or not.
type window struct {
	mu         sync.Mutex
	offset     int64
	length     int64
	refreshing chan struct{}
	stale      bool
	retired    bool
	lastUsed   time.Time
}

func (w *window) covers(start, end int64) bool {
	return w.length > 0 && start >= w.offset && end <= w.offset+w.length
}

// CheckDeviceRoot cleans root and rejects a root that is relative or is the
// device root itself, where staging paths would coincide with source paths.
func CheckDeviceRoot(root string) (string, error) {
	if !path.IsAbs(root) {
		return "", xerrors.Wrap(xerrors.KindInvalid, "chunk.root", root,
			fmt.Errorf("device cache root must be absolute: %w", fs.ErrInvalid))
	}
	clean := path.Clean(root)
	if clean == "/" {
		return "", xerrors.Wrap(xerrors.KindInvalid, "chunk.root", root,
			fmt.Errorf("device cache root cannot be /: %w", fs.ErrInvalid))
	}
	return clean, nil
}

// New returns a Cache that stages through t, sizes reads with attrs and
// stores windows in mirror. An empty DeviceRoot selects DefaultDeviceRoot.
func New(t remote.Transport, attrs AttrSource, mirror *blob.Mirror, opts Options) (*Cache, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BlockCount <= 0 {
		opts.BlockCount = DefaultBlockCount
	}
	if opts.DeviceRoot == "" {
		opts.DeviceRoot = DefaultDeviceRoot
	}
	root, err := CheckDeviceRoot(opts.DeviceRoot)
	if err != nil {
		return nil, err
	}
	opts.DeviceRoot = root
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		transport: t,
		attrs:     attrs,
		mirror:    mirror,
		opts:      opts,
		windows:   make(map[string]*window),
	}, nil
}

// StagingPath returns the device scratch file used for remote.
func (c *Cache) StagingPath(remote string) string {
	return path.Join(c.opts.DeviceRoot, path.Clean("/"+remote))
}

func (c *Cache) underDeviceRoot(p string) bool {
	clean := path.Clean("/" + p)
	return clean == c.opts.DeviceRoot || strings.HasPrefix(clean, c.opts.DeviceRoot+"/")
}

// Read returns up to size bytes of path starting at offset. Reads at or past
// the end of the file return no bytes and no error; a failed refresh returns
// an error wrapping fs.ErrTransport.
func (c *Cache) Read(ctx context.Context, p string, offset int64, size int) ([]byte, error) {
	if offset < 0 || size < 0 {
		return nil, xerrors.E(xerrors.KindInvalid, "read", p)
	}
	// staging files live under DeviceRoot; reading them would let a refresh
	// overwrite another path's source
	if c.underDeviceRoot(p) {
		return nil, xerrors.E(xerrors.KindPermission, "read", p)
	}
	attr, err := c.attrs.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	if size == 0 || attr.Size == 0 || offset >= attr.Size {
		return []byte{}, nil
	}
	end := offset + int64(size)
	if end > attr.Size {
		end = attr.Size
	}

	out := make([]byte, 0, end-offset)
	for pos := offset; pos < end; {
		part, err := c.readWindow(ctx, p, attr.Size, pos, end)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		if len(part) == 0 {
			// the remote file is shorter than its cached size
			break
		}
		out = append(out, part...)
		pos += int64(len(part))
	}
	return out, nil
}

// readWindow serves [start, end) from the window of p, refreshing it at
// most once. It may return fewer bytes when the window ends before end.
func (c *Cache) readWindow(ctx context.Context, p string, fileSize, start, end int64) ([]byte, error) {
	for {
		w := c.window(p)
		w.mu.Lock()
		if w.retired {
			w.mu.Unlock()
			continue
		}
		if w.refreshing == nil && w.covers(start, end) {
			defer w.mu.Unlock()
			w.lastUsed = c.opts.Clock()
			return c.readMirror(p, w, start, end)
		}
		if ch := w.refreshing; ch != nil {
			w.mu.Unlock()
			c.opts.Metrics.ChunkWait()
			if err := c.wait(ctx, p, ch); err != nil {
				return nil, err
			}
			continue
		}

		done := make(chan struct{})
		w.refreshing = done
		w.length = 0
		w.stale = false
		w.mu.Unlock()

		winStart, winLen, err := c.refresh(ctx, p, fileSize, start)

		w.mu.Lock()
		if err != nil || w.stale {
			w.length = 0
		} else {
			w.offset, w.length = winStart, winLen
		}
		w.refreshing = nil
		w.lastUsed = c.opts.Clock()
		close(done)
		if err != nil {
			w.mu.Unlock()
			return nil, err
		}
		defer w.mu.Unlock()
		// serve from what was pulled even if the window was invalidated meanwhile
		tmp := window{offset: winStart, length: winLen}
		return c.readMirror(p, &tmp, start, end)
	}
}

func (c *Cache) window(p string) *window {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[p]
	if !ok {
		w = &window{lastUsed: c.opts.Clock()}
		c.windows[p] = w
	}
	return w
}

func (c *Cache) wait(ctx context.Context, p string, done <-chan struct{}) error {
	var timeout <-chan time.Time
	if c.opts.WaitTimeout > 0 {
		timer := time.NewTimer(c.opts.WaitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.KindOf(ctx.Err()), "read", p, ctx.Err())
	case <-timeout:
		return xerrors.Wrap(xerrors.KindUnavailable, "read", p, fs.ErrTransportUnavailable)
	}
}

// StageRequest computes the staging parameters for a refresh at offset.
// When the configured budget reaches past the end of the file the copy
// switches to single-byte blocks covering exactly the rest of the file.
func (c *Cache) StageRequest(p string, fileSize, offset int64) remote.StageRequest {
	req := remote.StageRequest{
		Source:     p,
		Staging:    c.StagingPath(p),
		Offset:     offset,
		BlockSize:  c.opts.BlockSize,
		BlockCount: c.opts.BlockCount,
	}
	if offset+req.Length() > fileSize {
		req.BlockSize = 1
		req.BlockCount = fileSize - offset
	}
	return req
}

func (c *Cache) refresh(ctx context.Context, p string, fileSize, offset int64) (start, length int64, err error) {
	req := c.StageRequest(p, fileSize, offset)
	mode := "block"
	if req.BlockSize == 1 {
		mode = "byte"
	}
	defer func() {
		c.opts.Metrics.ChunkRefresh(mode, length, err)
		if err != nil {
			c.opts.Logger.Warn().Err(err).Str("path", p).Int64("offset", offset).Msg("chunk refresh failed")
			return
		}
		c.opts.Logger.Debug().Str("path", p).Str("mode", mode).
			Int64("start", start).Int64("length", length).Msg("chunk refreshed")
	}()

	// A stale mirror file must not survive a pull that writes nothing.
	if err := c.mirror.Remove(p); err != nil {
		return 0, 0, err
	}
	local, err := c.mirror.Prepare(p)
	if err != nil {
		return 0, 0, err
	}
	if err := c.transport.StageChunk(ctx, req); err != nil {
		return 0, 0, refreshError(p, err)
	}
	if err := c.transport.Pull(ctx, req.Staging, local); err != nil {
		return 0, 0, pullError(p, err)
	}
	pulled, err := c.mirror.Size(p)
	if err != nil {
		return 0, 0, xerrors.Wrap(xerrors.KindTransport, "read", p, err)
	}
	// Byte mode copies exactly the rest of the file; anything else means the
	// copy failed or the file changed size since it was stat'ed.
	if pulled > req.Length() || (req.BlockSize == 1 && pulled != req.Length()) {
		c.attrs.Invalidate(p)
		if rerr := c.mirror.Remove(p); rerr != nil {
			c.opts.Logger.Warn().Err(rerr).Str("path", p).Msg("mirror remove failed")
		}
		return 0, 0, xerrors.Wrap(xerrors.KindTransport, "read", p,
			fmt.Errorf("pulled %d bytes, expected %d: %w", pulled, req.Length(), fs.ErrTransport))
	}
	length = req.Length()
	if pulled < length {
		length = pulled
	}
	if length <= 0 {
		return 0, 0, xerrors.E(xerrors.KindTransport, "read", p)
	}
	start = req.Start()
	if c.opts.Ledger != nil {
		entry := staging.Entry{
			Remote:   p,
			Staging:  req.Staging,
			Local:    local,
			Offset:   start,
			Length:   length,
			StagedAt: c.opts.Clock(),
		}
		if lerr := c.opts.Ledger.Record(ctx, entry); lerr != nil {
			c.opts.Logger.Warn().Err(lerr).Str("path", p).Msg("staging ledger write failed")
		}
	}
	return start, length, nil
}

func refreshError(p string, err error) error {
	switch kind := xerrors.KindOf(err); kind {
	case xerrors.KindNotFound, xerrors.KindCanceled, xerrors.KindUnavailable, xerrors.KindPermission:
		return xerrors.Wrap(kind, "read", p, err)
	default:
		return xerrors.Wrap(xerrors.KindTransport, "read", p, err)
	}
}

// pullError reports every pull failure as a transport failure: a missing
// staging file says nothing about the source file.
func pullError(p string, err error) error {
	switch kind := xerrors.KindOf(err); kind {
	case xerrors.KindCanceled, xerrors.KindUnavailable:
		return xerrors.Wrap(kind, "read", p, err)
	default:
		return xerrors.Wrap(xerrors.KindTransport, "read", p, err)
	}
}

// readMirror must be called with w.mu held.
func (c *Cache) readMirror(p string, w *window, start, end int64) ([]byte, error) {
	if winEnd := w.offset + w.length; end > winEnd {
		end = winEnd
	}
	if start < w.offset || end <= start {
		return []byte{}, nil
	}
	buf := make([]byte, end-start)
	n, err := c.mirror.ReadAt(p, buf, start-w.offset)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Invalidate empties the window of p. A refresh in flight for p finishes,
// serves its own reader, and is then discarded.
func (c *Cache) Invalidate(p string) {
	c.mu.Lock()
	w, ok := c.windows[p]
	c.mu.Unlock()
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refreshing != nil {
		w.stale = true
		return
	}
	w.length = 0
	if err := c.mirror.Remove(p); err != nil {
		c.opts.Logger.Warn().Err(err).Str("path", p).Msg("mirror remove failed")
	}
}

// InvalidateTree empties the windows of every path strictly below dir.
func (c *Cache) InvalidateTree(dir string) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	c.mu.Lock()
	var paths []string
	for p := range c.windows {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	c.mu.Unlock()
	for _, p := range paths {
		c.Invalidate(p)
	}
}

// Sweep drops windows unused for at least idle together with their mirror
// files and ledger entries, and returns how many were dropped. Windows with
// a refresh in flight are kept.
func (c *Cache) Sweep(ctx context.Context, idle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Clock()
	dropped := 0
	for p, w := range c.windows {
		if !w.mu.TryLock() {
			continue
		}
		if w.refreshing == nil && now.Sub(w.lastUsed) >= idle {
			w.retired = true
			delete(c.windows, p)
			if err := c.mirror.Remove(p); err != nil {
				c.opts.Logger.Warn().Err(err).Str("path", p).Msg("mirror remove failed")
			}
			if c.opts.Ledger != nil {
				if err := c.opts.Ledger.Delete(ctx, p); err != nil {
					c.opts.Logger.Warn().Err(err).Str("path", p).Msg("staging ledger delete failed")
				}
			}
			dropped++
		}
		w.mu.Unlock()
	}
	return dropped
}

// WindowInfo describes the window of one path.
type WindowInfo struct {
	Path       string `json:"path"`
	Offset     int64  `json:"offset"`
	Length     int64  `json:"length"`
	Refreshing bool   `json:"refreshing"`
}

// Window reports the current window of p.
func (c *Cache) Window(p string) (WindowInfo, bool) {
	c.mu.Lock()
	w, ok := c.windows[p]
	c.mu.Unlock()
	if !ok {
		return WindowInfo{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowInfo{Path: p, Offset: w.offset, Length: w.length, Refreshing: w.refreshing != nil}, true
}

// Len returns the number of tracked windows.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}
