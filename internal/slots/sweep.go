package slots

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReconcileSweep periodically resynchronizes slot occupancy against the
// remote membership list.
type ReconcileSweep struct {
	cache    *Cache
	interval time.Duration
	logger   *zap.Logger
}

// NewReconcileSweep builds the sweep task.
func NewReconcileSweep(cache *Cache, interval time.Duration, logger *zap.Logger) *ReconcileSweep {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileSweep{cache: cache, interval: interval, logger: logger}
}

// Name identifies the task in supervisor logs.
func (s *ReconcileSweep) Name() string { return "slot-reconcile" }

// Run reconciles on every tick until the context finishes. A failed tick is
// logged and the next tick retries independently.
func (s *ReconcileSweep) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.cache.Reconcile(ctx); err != nil {
				s.logger.Warn("reconcile tick failed", zap.Error(err))
			}
		}
	}
}

// RotationSweep periodically rotates the longest-quit destination back into a
// slot so backfill progress keeps moving across a set larger than capacity.
type RotationSweep struct {
	cache    *Cache
	interval time.Duration
	logger   *zap.Logger
}

// NewRotationSweep builds the sweep task.
func NewRotationSweep(cache *Cache, interval time.Duration, logger *zap.Logger) *RotationSweep {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RotationSweep{cache: cache, interval: interval, logger: logger}
}

// Name identifies the task in supervisor logs.
func (s *RotationSweep) Name() string { return "slot-rotation" }

// Run rotates on every tick. Any failure abandons the cycle for that tick;
// the next tick starts over.
func (s *RotationSweep) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.cache.Rotate(ctx); err != nil {
				s.logger.Warn("rotation tick abandoned", zap.Error(err))
			}
		}
	}
}
