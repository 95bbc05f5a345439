package meta

import (
	"context"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/jacktea/adbfs/pkg/cache"
	"github.com/jacktea/adbfs/pkg/metrics"
	"github.com/jacktea/adbfs/pkg/remote"
	"github.com/jacktea/adbfs/pkg/xerrors"
)

// DirCache caches directory name lists per path for a fixed TTL.
type DirCache struct {
	transport remote.Transport
	entries   *cache.Cache[[]string]
	group     singleflight.Group
	metrics   *metrics.Collector
	fences    fences
}

// NewDirCache returns a DirCache backed by t.
func NewDirCache(t remote.Transport, opts Options) *DirCache {
	opts = opts.withDefaults()
	return &DirCache{
		transport: t,
		entries:   cache.New[[]string](opts.MaxEntries, opts.TTL, cache.WithClock(opts.Clock)),
		metrics:   opts.Metrics,
	}
}

// Get returns the names inside path in remote order. The slice is a copy.
func (c *DirCache) Get(ctx context.Context, path string) ([]string, error) {
	if names, ok := c.entries.Get(path); ok {
		c.metrics.CacheLookup("dir", true)
		return clone(names), nil
	}
	c.metrics.CacheLookup("dir", false)
	ch := c.group.DoChan(path, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), path)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]string)), nil
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.KindOf(ctx.Err()), "readdir", path, ctx.Err())
	}
}

func (c *DirCache) fetch(ctx context.Context, path string) ([]string, error) {
	fe := c.fences.begin(path)
	out, err := c.transport.List(ctx, path)
	if err != nil {
		c.fences.end(path, fe, nil)
		return nil, err
	}
	names := ParseListing(out)
	c.fences.end(path, fe, func() { c.entries.Set(path, names) })
	return names, nil
}

// Invalidate drops the listing of path.
func (c *DirCache) Invalidate(path string) {
	c.fences.void(path)
	c.group.Forget(path)
	c.entries.Delete(path)
}

// InvalidateTree drops every entry strictly below dir.
func (c *DirCache) InvalidateTree(dir string) {
	c.fences.voidTree(dir)
	prefix := strings.TrimSuffix(dir, "/") + "/"
	c.entries.DeletePrefix(prefix)
}

// Len returns the number of cached listings.
func (c *DirCache) Len() int { return c.entries.Size() }

// Stats exposes hit/miss counters of the underlying store.
func (c *DirCache) Stats() cache.Stats { return c.entries.Stats() }

// Prune drops expired listings and returns how many were removed.
func (c *DirCache) Prune() int { return c.entries.CleanupOnce() }

func clone(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}
