package meta

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jacktea/adbfs/pkg/cache"
	"github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/metrics"
	"github.com/jacktea/adbfs/pkg/remote"
	"github.com/jacktea/adbfs/pkg/xerrors"
)

// DefaultTTL is the lifetime of attribute and listing entries.
const DefaultTTL = 180 * time.Second

// DefaultMaxEntries bounds each cache when Options.MaxEntries is zero.
const DefaultMaxEntries = 65536

// Options configures AttrCache and DirCache.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Clock      func() time.Time
	Metrics    *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// AttrCache caches parsed attributes per path for a fixed TTL. Concurrent
// misses on one path share a single remote stat. Failures are not cached.
type AttrCache struct {
	transport remote.Transport
	entries   *cache.Cache[fs.FileAttr]
	group     singleflight.Group
	metrics   *metrics.Collector
	fences    fences
}

// NewAttrCache returns an AttrCache backed by t.
func NewAttrCache(t remote.Transport, opts Options) *AttrCache {
	opts = opts.withDefaults()
	return &AttrCache{
		transport: t,
		entries:   cache.New[fs.FileAttr](opts.MaxEntries, opts.TTL, cache.WithClock(opts.Clock)),
		metrics:   opts.Metrics,
	}
}

// Get returns the attributes of path. "/" is synthesized locally.
func (c *AttrCache) Get(ctx context.Context, path string) (fs.FileAttr, error) {
	if path == "/" {
		return fs.RootAttr(), nil
	}
	if attr, ok := c.entries.Get(path); ok {
		c.metrics.CacheLookup("attr", true)
		return attr, nil
	}
	c.metrics.CacheLookup("attr", false)
	// The shared stat runs detached from any one caller so a canceled
	// caller does not fail the others waiting on it.
	ch := c.group.DoChan(path, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), path)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return fs.FileAttr{}, res.Err
		}
		return res.Val.(fs.FileAttr), nil
	case <-ctx.Done():
		return fs.FileAttr{}, xerrors.Wrap(xerrors.KindOf(ctx.Err()), "getattr", path, ctx.Err())
	}
}

func (c *AttrCache) fetch(ctx context.Context, path string) (fs.FileAttr, error) {
	fe := c.fences.begin(path)
	line, err := c.transport.Stat(ctx, path)
	if err != nil {
		c.fences.end(path, fe, nil)
		return fs.FileAttr{}, err
	}
	attr, err := ParseStatLine(path, line)
	if err != nil {
		c.fences.end(path, fe, nil)
		return fs.FileAttr{}, xerrors.Wrap(xerrors.KindNotFound, "getattr", path, err)
	}
	c.fences.end(path, fe, func() { c.entries.Set(path, attr) })
	return attr, nil
}

// Invalidate drops the entry for path.
func (c *AttrCache) Invalidate(path string) {
	c.fences.void(path)
	c.group.Forget(path)
	c.entries.Delete(path)
}

// InvalidateTree drops every entry strictly below dir.
func (c *AttrCache) InvalidateTree(dir string) {
	c.fences.voidTree(dir)
	prefix := strings.TrimSuffix(dir, "/") + "/"
	c.entries.DeletePrefix(prefix)
}

// Len returns the number of cached entries.
func (c *AttrCache) Len() int { return c.entries.Size() }

// Stats exposes hit/miss counters of the underlying store.
func (c *AttrCache) Stats() cache.Stats { return c.entries.Stats() }

// Prune drops expired entries and returns how many were removed.
func (c *AttrCache) Prune() int { return c.entries.CleanupOnce() }
