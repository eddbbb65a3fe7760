// Package slots tracks which destinations occupy a subscription slot and
// implements the evict-oldest / rejoin-oldest policy under the remote's
// opaque capacity cap.
package slots

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/metrics"
	"github.com/telemirror/telemirror/internal/mirror"
)

// Remote is the gateway surface the cache drives. Join may itself call back
// into EvictOne when the remote reports capacity exceeded.
type Remote interface {
	Join(ctx context.Context, packed string) (*mirror.Destination, error)
	Leave(ctx context.Context, packed string) error
	LiveMembership(ctx context.Context) ([]int64, error)
}

// BackfillFunc streams a destination's history down to the watermark.
type BackfillFunc func(ctx context.Context, dst mirror.Destination, until time.Time) error

// Config controls rotation behavior.
type Config struct {
	// EvictAfterRotate frees the now-oldest occupied slot once the new join
	// has been backfilled, keeping one slot available for the next rotation.
	EvictAfterRotate bool
}

// Cache is the slot bookkeeper. The remote membership list is the
// authoritative source of truth; local occupancy flags are best-effort
// bookkeeping resynchronized by Reconcile.
type Cache struct {
	store    mirror.Store
	remote   Remote
	backfill BackfillFunc
	clock    mirror.Clock
	cfg      Config
	logger   *zap.Logger
}

// New builds a Cache.
func New(store mirror.Store, remote Remote, backfill BackfillFunc, clock mirror.Clock, cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:    store,
		remote:   remote,
		backfill: backfill,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Reconcile resynchronizes every occupancy flag against the live membership
// reported by the remote. Local state may drift due to manual joins/leaves;
// this sweep is the correction.
func (c *Cache) Reconcile(ctx context.Context) error {
	ids, err := c.remote.LiveMembership(ctx)
	if err != nil {
		return fmt.Errorf("reconcile membership: %w", err)
	}
	if err := c.store.ClearJoined(ctx); err != nil {
		return fmt.Errorf("clear occupancy: %w", err)
	}
	occupied := 0
	for _, id := range ids {
		if err := c.store.SetJoined(ctx, id, true); err != nil {
			return fmt.Errorf("mark occupied %d: %w", id, err)
		}
		occupied++
	}
	metrics.SetOccupiedSlots(occupied)
	c.logger.Info("slot occupancy reconciled", zap.Int("occupied", occupied))
	return nil
}

// Oldest returns the least-recently-active destination matching the occupancy
// filter, or nil when none match.
func (c *Cache) Oldest(ctx context.Context, joined bool) (*mirror.Destination, error) {
	dst, err := c.store.OldestDestination(ctx, joined)
	if err != nil {
		return nil, fmt.Errorf("oldest destination: %w", err)
	}
	return dst, nil
}

// EvictOne leaves the least-recently-active occupied destination and clears
// its flag. Success when nothing is occupied.
func (c *Cache) EvictOne(ctx context.Context) error {
	dst, err := c.Oldest(ctx, true)
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := c.remote.Leave(ctx, dst.Packed); err != nil {
		return fmt.Errorf("evict %d: %w", dst.ID, err)
	}
	if err := c.store.SetJoined(ctx, dst.ID, false); err != nil {
		return fmt.Errorf("clear occupancy %d: %w", dst.ID, err)
	}
	c.logger.Info("slot evicted",
		zap.Int64("destination", dst.ID),
		zap.Time("last_activity", dst.LastActivity),
	)
	return nil
}

// Rotate joins the longest-quit destination, backfills its history since its
// last-activity watermark, advances the watermark, and then optionally evicts
// the now-oldest occupied slot. Eviction happens after the backfill of the
// fresh join so the new content lands before capacity is given back.
func (c *Cache) Rotate(ctx context.Context) error {
	cand, err := c.Oldest(ctx, false)
	if err != nil {
		return err
	}
	if cand == nil {
		return nil
	}
	joined, err := c.remote.Join(ctx, cand.Packed)
	if err != nil {
		return fmt.Errorf("rotate join %d: %w", cand.ID, err)
	}
	dst := *cand
	if joined != nil {
		dst = *joined
	}
	if err := c.store.SetJoined(ctx, cand.ID, true); err != nil {
		return fmt.Errorf("mark occupied %d: %w", cand.ID, err)
	}
	if c.backfill != nil {
		if err := c.backfill(ctx, dst, cand.LastActivity); err != nil {
			return fmt.Errorf("rotate backfill %d: %w", cand.ID, err)
		}
	}
	if err := c.store.TouchDestination(ctx, cand.ID, c.clock.Now()); err != nil {
		return fmt.Errorf("touch %d: %w", cand.ID, err)
	}
	c.logger.Info("slot rotated in", zap.Int64("destination", cand.ID))
	if c.cfg.EvictAfterRotate {
		if err := c.EvictOne(ctx); err != nil {
			return err
		}
	}
	return nil
}
