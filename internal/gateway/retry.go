package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/mirror"
)

// retryState makes the retry control flow explicit instead of nesting
// conditionals around the remote call.
type retryState int

const (
	stateAttempting retryState = iota
	stateBackoff
	stateSucceeded
	stateFailed
)

// invoke runs op behind the category gate and applies the retry policy. Each
// transient kind is retried at most once: a rate-limit signal sleeps for the
// remote-reported cooldown, a capacity-exceeded signal on a join-like call
// evicts one slot first. A second failure of the same kind, or any other
// error, propagates to the caller.
func (g *Gateway) invoke(ctx context.Context, cat Category, joinLike bool, op func(context.Context) error) error {
	var (
		state        = stateAttempting
		backoff      time.Duration
		lastErr      error
		rateRetried  bool
		evictRetried bool
	)
	for {
		switch state {
		case stateAttempting:
			if err := g.wait(ctx, cat); err != nil {
				return err
			}
			err := op(ctx)
			if err == nil {
				state = stateSucceeded
				break
			}
			lastErr = err
			state = g.classify(ctx, cat, joinLike, err, &backoff, &rateRetried, &evictRetried)
		case stateBackoff:
			g.logger.Info("remote cooldown, backing off",
				zap.String("category", string(cat)),
				zap.Duration("cooldown", backoff),
			)
			if err := g.sleep(ctx, backoff); err != nil {
				return fmt.Errorf("backoff wait: %w", err)
			}
			state = stateAttempting
		case stateSucceeded:
			return nil
		case stateFailed:
			return lastErr
		}
	}
}

func (g *Gateway) classify(ctx context.Context, cat Category, joinLike bool, err error, backoff *time.Duration, rateRetried, evictRetried *bool) retryState {
	if cooldown, ok := mirror.AsRateLimited(err); ok && !*rateRetried {
		*rateRetried = true
		*backoff = cooldown
		return stateBackoff
	}
	if joinLike && mirror.IsCapacityExceeded(err) && !*evictRetried {
		*evictRetried = true
		g.mu.Lock()
		evictor := g.evictor
		g.mu.Unlock()
		if evictor == nil {
			return stateFailed
		}
		g.logger.Warn("join capacity exceeded, evicting one slot",
			zap.String("category", string(cat)),
		)
		if evErr := evictor.EvictOne(ctx); evErr != nil {
			g.logger.Warn("eviction failed", zap.Error(evErr))
			return stateFailed
		}
		return stateAttempting
	}
	return stateFailed
}
