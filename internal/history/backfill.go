// Package history implements the backfill worker that mirrors a
// destination's past content down to a watermark.
package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/metrics"
	"github.com/telemirror/telemirror/internal/mirror"
)

// Streamer opens gated history streams; the gateway satisfies this.
type Streamer interface {
	StreamHistory(ctx context.Context, dst mirror.Destination, until time.Time, ceiling int) (mirror.HistoryStream, error)
}

// Dequeuer hands out pending backfill requests.
type Dequeuer interface {
	Dequeue(ctx context.Context) (mirror.BackfillRequest, error)
}

// Worker consumes backfill requests and archives historical items.
type Worker struct {
	streamer Streamer
	store    mirror.Store
	queue    Dequeuer
	clock    mirror.Clock
	ceiling  int
	logger   *zap.Logger
}

// NewWorker constructs a Worker. Ceiling bounds the number of items mirrored
// per request; zero means unbounded.
func NewWorker(streamer Streamer, store mirror.Store, queue Dequeuer, clock mirror.Clock, ceiling int, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		streamer: streamer,
		store:    store,
		queue:    queue,
		clock:    clock,
		ceiling:  ceiling,
		logger:   logger,
	}
}

// Name identifies the task in supervisor logs.
func (w *Worker) Name() string { return "history-backfill" }

// Run blocks, consuming requests until the context finishes. Remote failures
// abandon the current request; storage failures terminate the task.
func (w *Worker) Run(ctx context.Context) error {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("backfill dequeue: %w", err)
		}
		if err := w.Backfill(ctx, req.Destination, req.Until); err != nil {
			if mirror.IsRemote(err) {
				w.logger.Warn("backfill abandoned",
					zap.Int64("destination", req.Destination.ID),
					zap.Error(err),
				)
				continue
			}
			return err
		}
	}
}

// Backfill streams items from now back to the until watermark (or the
// configured ceiling) and archives each one idempotently. End-of-stream is
// the exit condition; the log line records whether the stream was exhausted
// or capped at the ceiling.
func (w *Worker) Backfill(ctx context.Context, dst mirror.Destination, until time.Time) error {
	stream, err := w.streamer.StreamHistory(ctx, dst, until, w.ceiling)
	if err != nil {
		return err
	}
	source := mirror.FromDestination(dst.ID)
	count := 0
	w.logger.Info("backfill started",
		zap.Int64("destination", dst.ID),
		zap.Time("until", until),
		zap.Int("ceiling", w.ceiling),
	)
	for {
		item, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			break
		}
		count++
		err = w.store.PutContentItem(ctx, mirror.ContentItem{
			DestinationID: dst.ID,
			ItemID:        item.ID,
			Text:          item.Text,
			Payload:       item.Payload,
			PostedAt:      item.PostedAt,
			Source:        source,
		})
		if err != nil {
			return fmt.Errorf("archive item %d@%d: %w", item.ID, dst.ID, err)
		}
		metrics.ObserveArchived(string(source.Type))
	}
	if err := w.store.TouchDestination(ctx, dst.ID, w.clock.Now()); err != nil {
		return fmt.Errorf("touch destination %d: %w", dst.ID, err)
	}
	if w.ceiling > 0 && count >= w.ceiling {
		w.logger.Info("backfill capped at ceiling",
			zap.Int64("destination", dst.ID),
			zap.Int("count", count),
		)
	} else {
		w.logger.Info("backfill exhausted history",
			zap.Int64("destination", dst.ID),
			zap.Int("count", count),
		)
	}
	return nil
}
