// Package gc drops cache state that is no longer earning its keep: idle
// chunk windows with their mirror files, expired metadata entries, and on
// request every staging file left on the device.
package gc

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacktea/adbfs/pkg/blob"
	"github.com/jacktea/adbfs/pkg/chunk"
	"github.com/jacktea/adbfs/pkg/fs"
	"github.com/jacktea/adbfs/pkg/remote"
	"github.com/jacktea/adbfs/pkg/staging"
)

// DefaultIdle is how long a window may stay unused before a sweep drops it.
const DefaultIdle = 10 * time.Minute

// Pruner drops expired entries and reports how many it removed.
type Pruner interface {
	Prune() int
}

// Options configures a Sweeper.
type Options struct {
	Chunks *chunk.Cache
	// Pruners are expired-entry caches swept alongside the windows.
	Pruners []Pruner
	Idle    time.Duration
	Logger  zerolog.Logger
}

// Sweeper drops idle chunk windows and expired cache entries.
type Sweeper struct {
	chunks  *chunk.Cache
	pruners []Pruner
	idle    time.Duration
	log     zerolog.Logger
}

// NewSweeper wires the caches a sweep walks.
func NewSweeper(opts Options) *Sweeper {
	idle := opts.Idle
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Sweeper{
		chunks:  opts.Chunks,
		pruners: opts.Pruners,
		idle:    idle,
		log:     opts.Logger,
	}
}

// Sweep performs one pass and returns the number of windows dropped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.chunks == nil {
		return 0, fmt.Errorf("gc sweeper missing chunk cache")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	windows := s.chunks.Sweep(ctx, s.idle)
	pruned := 0
	for _, p := range s.pruners {
		pruned += p.Prune()
	}
	if windows > 0 || pruned > 0 {
		s.log.Debug().Int("windows", windows).Int("entries", pruned).Msg("sweep")
	}
	return windows, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn().Err(err).Msg("gc sweep failed")
			}
		}
	}()
	return cancel
}

// PurgeOptions names the state Purge removes. Any nil field is skipped.
type PurgeOptions struct {
	Transport remote.Transport
	Ledger    *staging.Ledger
	Mirror    *blob.Mirror
	// DeviceRoot, when set, is removed recursively on the device after the
	// recorded staging files. It must pass CheckPurgeRoot.
	DeviceRoot string
	Logger     zerolog.Logger
}

// CheckPurgeRoot accepts only a dedicated staging directory for recursive
// removal: an absolute path at least two levels deep whose last element
// names adbfs, such as the default /data/local/tmp/adbfs.
func CheckPurgeRoot(root string) error {
	clean, err := chunk.CheckDeviceRoot(root)
	if err != nil {
		return err
	}
	depth := strings.Count(clean, "/")
	if depth < 2 || !strings.Contains(strings.ToLower(path.Base(clean)), "adbfs") {
		return fmt.Errorf("refusing to remove %s: the device cache root must be a dedicated directory named for adbfs: %w",
			root, fs.ErrInvalid)
	}
	return nil
}

// Purge removes every staging file recorded in the ledger from the device,
// then the device root, the local mirror tree and the ledger entries. It
// returns how many recorded staging files were removed.
func Purge(ctx context.Context, opts PurgeOptions) (int, error) {
	if opts.DeviceRoot != "" {
		if err := CheckPurgeRoot(opts.DeviceRoot); err != nil {
			return 0, err
		}
	}
	removed := 0
	if opts.Ledger != nil && opts.Transport != nil {
		entries, err := opts.Ledger.List(ctx)
		if err != nil {
			return 0, err
		}
		for _, e := range entries {
			err := opts.Transport.Mutate(ctx, remote.Mutation{Kind: remote.MutateUnlink, Path: e.Staging})
			if err != nil && !errors.Is(err, fs.ErrNotFound) {
				return removed, err
			}
			removed++
			opts.Logger.Debug().Str("staging", e.Staging).Msg("staging file removed")
		}
	}
	if opts.Transport != nil && opts.DeviceRoot != "" {
		err := opts.Transport.Mutate(ctx, remote.Mutation{Kind: remote.MutateRemoveAll, Path: opts.DeviceRoot})
		if err != nil && !errors.Is(err, fs.ErrNotFound) {
			return removed, err
		}
	}
	if opts.Mirror != nil {
		if err := opts.Mirror.Purge(); err != nil {
			return removed, err
		}
	}
	if opts.Ledger != nil {
		if err := opts.Ledger.Clear(ctx); err != nil {
			return removed, err
		}
	}
	opts.Logger.Info().Int("staged", removed).Msg("cache purged")
	return removed, nil
}
