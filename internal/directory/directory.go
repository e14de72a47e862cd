package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// ErrUnavailable is returned when no snapshot has ever been loaded and the
// backing store cannot be reached. Once a snapshot exists the directory
// never returns this: a failed refresh keeps serving the last good view.
var ErrUnavailable = fmt.Errorf("directory: unavailable")

// Directory caches the agent directory with TTL-based refresh and explicit
// invalidation. Readers always get the current snapshot without locking;
// refresh builds a new snapshot off to the side and swaps it in.
type Directory struct {
	store  store.DirectoryStore
	ttl    time.Duration
	logger *slog.Logger

	snap  atomic.Pointer[Snapshot]
	stale atomic.Bool
	sf    singleflight.Group
}

// New creates a Directory over the given backing store. ttl <= 0 disables
// time-based refresh (invalidation-only).
func New(st store.DirectoryStore, ttl time.Duration, logger *slog.Logger) *Directory {
	return &Directory{
		store:  st,
		ttl:    ttl,
		logger: logger.With("component", "directory"),
	}
}

// Snapshot returns the current directory view. The first call loads
// synchronously; afterwards a stale snapshot is served immediately while a
// refresh runs in the background, so routing never blocks on the store.
func (d *Directory) Snapshot(ctx context.Context) (*Snapshot, error) {
	cur := d.snap.Load()
	if cur == nil {
		return d.refresh(ctx)
	}
	if d.stale.Load() || (d.ttl > 0 && time.Since(cur.LoadedAt) > d.ttl) {
		go func() {
			if _, err := d.refresh(context.Background()); err != nil {
				d.logger.Warn("background refresh failed, serving stale snapshot", "error", err)
			}
		}()
	}
	return cur, nil
}

// Invalidate marks the snapshot stale. The next read triggers a refresh;
// in-flight readers keep the old snapshot.
func (d *Directory) Invalidate() {
	d.stale.Store(true)
}

// refresh loads and swaps a new snapshot. Concurrent callers share one
// store round-trip.
func (d *Directory) refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := d.sf.Do("refresh", func() (interface{}, error) {
		raw, err := d.store.LoadDirectory(ctx)
		if err != nil {
			return nil, err
		}
		snap := Build(raw)
		d.snap.Store(snap)
		d.stale.Store(false)
		d.logger.Debug("directory refreshed",
			"tenants", len(snap.tenants), "agents", len(snap.agents))
		return snap, nil
	})
	if err != nil {
		if cur := d.snap.Load(); cur != nil {
			return cur, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v.(*Snapshot), nil
}
