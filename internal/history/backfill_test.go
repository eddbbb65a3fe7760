package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clientmemory "github.com/telemirror/telemirror/internal/client/memory"
	"github.com/telemirror/telemirror/internal/mirror"
	queuememory "github.com/telemirror/telemirror/internal/queue/memory"
	storememory "github.com/telemirror/telemirror/internal/store/memory"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func seedHistory(client *clientmemory.Client, base time.Time, n int) mirror.Destination {
	dst := mirror.Destination{ID: 7, Kind: mirror.KindChannel, Alias: "archive"}
	items := make([]mirror.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, mirror.Item{
			DestinationID: dst.ID,
			ID:            int64(i + 1),
			Text:          "item",
			PostedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}
	client.AddDestination(dst, items...)
	dst.Packed = clientmemory.Pack(dst.ID)
	return dst
}

func TestBackfillExhaustsHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := clientmemory.NewClient(0)
	dst := seedHistory(client, now.Add(-time.Hour), 5)
	store := storememory.NewStore()
	_, err := store.UpsertDestination(ctx, dst)
	require.NoError(t, err)

	w := NewWorker(client, store, nil, fixedClock{at: now}, 0, nil)
	require.NoError(t, w.Backfill(ctx, dst, time.Time{}))

	require.Equal(t, 5, store.ContentItemCount())
	stored, err := store.DestinationByID(ctx, dst.ID)
	require.NoError(t, err)
	require.Equal(t, now, stored.LastActivity, "finished backfill advances the watermark")
}

func TestBackfillStopsAtWatermark(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	client := clientmemory.NewClient(0)
	dst := seedHistory(client, base, 5)
	store := storememory.NewStore()

	// Items at base+0m .. base+4m; the watermark excludes the two oldest.
	until := base.Add(time.Minute)
	w := NewWorker(client, store, nil, fixedClock{at: base.Add(time.Hour)}, 0, nil)
	require.NoError(t, w.Backfill(ctx, dst, until))

	require.Equal(t, 3, store.ContentItemCount())
	_, ok := store.ContentItem(dst.ID, 1)
	require.False(t, ok, "items at or before the watermark stay out")
}

func TestBackfillCapsAtCeiling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	client := clientmemory.NewClient(0)
	dst := seedHistory(client, base, 10)
	store := storememory.NewStore()

	w := NewWorker(client, store, nil, fixedClock{at: base}, 4, nil)
	require.NoError(t, w.Backfill(ctx, dst, time.Time{}))

	require.Equal(t, 4, store.ContentItemCount())
	// Newest first: the four most recent items made it in.
	_, ok := store.ContentItem(dst.ID, 10)
	require.True(t, ok)
	_, ok = store.ContentItem(dst.ID, 6)
	require.False(t, ok)
}

func TestBackfillIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := clientmemory.NewClient(0)
	dst := seedHistory(client, now.Add(-time.Hour), 3)
	store := storememory.NewStore()

	w := NewWorker(client, store, nil, fixedClock{at: now}, 0, nil)
	require.NoError(t, w.Backfill(ctx, dst, time.Time{}))
	require.NoError(t, w.Backfill(ctx, dst, time.Time{}))
	require.Equal(t, 3, store.ContentItemCount(), "re-archiving the same keys is a no-op")
}

type failingStreamer struct{ err error }

func (f failingStreamer) StreamHistory(context.Context, mirror.Destination, time.Time, int) (mirror.HistoryStream, error) {
	return nil, f.err
}

func TestRunAbandonsRequestOnRemoteFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue := queuememory.NewQueue(4)
	store := storememory.NewStore()
	remoteErr := mirror.CapacityExceeded(errors.New("refused"))

	w := NewWorker(failingStreamer{err: remoteErr}, store, queue, fixedClock{at: time.Now()}, 0, nil)
	require.NoError(t, queue.Enqueue(ctx, mirror.BackfillRequest{Destination: mirror.Destination{ID: 1}}))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// The remote failure is swallowed; the worker keeps consuming.
	select {
	case err := <-done:
		t.Fatalf("worker exited on a remote failure: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunFatalOnNonRemoteFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queue := queuememory.NewQueue(4)
	store := storememory.NewStore()

	w := NewWorker(failingStreamer{err: errors.New("stream table missing")}, store, queue, fixedClock{at: time.Now()}, 0, nil)
	require.NoError(t, queue.Enqueue(ctx, mirror.BackfillRequest{Destination: mirror.Destination{ID: 1}}))

	err := w.Run(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, context.Canceled)
}
