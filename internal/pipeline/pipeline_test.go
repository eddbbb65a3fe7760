package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clientmemory "github.com/telemirror/telemirror/internal/client/memory"
	"github.com/telemirror/telemirror/internal/mirror"
	storememory "github.com/telemirror/telemirror/internal/store/memory"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type recordingQueue struct {
	mu       sync.Mutex
	requests []mirror.BackfillRequest
}

func (q *recordingQueue) Enqueue(_ context.Context, req mirror.BackfillRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
	return nil
}

func (q *recordingQueue) all() []mirror.BackfillRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]mirror.BackfillRequest(nil), q.requests...)
}

func newPipeline(t *testing.T, remote Remote, store mirror.Store, queue Enqueuer, now time.Time) *Pipeline {
	t.Helper()
	return New(remote, store, queue, fixedClock{at: now}, Config{BatchSize: 16}, nil)
}

func seedReference(t *testing.T, store *storememory.Store, raw string) mirror.Reference {
	t.Helper()
	require.NoError(t, store.InsertReference(context.Background(), mirror.Reference{
		Raw:    raw,
		Source: mirror.Manual(),
	}))
	refs := store.References()
	return refs[len(refs)-1]
}

func TestScanArchivesLinkedItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := clientmemory.NewClient(0)
	client.AddDestination(
		mirror.Destination{ID: 7, Kind: mirror.KindChannel, Alias: "examplechan", Title: "Example"},
		mirror.Item{DestinationID: 7, ID: 42, Text: "hello", PostedAt: now.Add(-time.Hour)},
	)
	store := storememory.NewStore()
	queue := &recordingQueue{}
	ref := seedReference(t, store, "https://t.me/examplechan/42")

	p := newPipeline(t, client, store, queue, now)
	require.NoError(t, p.scan(ctx))

	item, ok := store.ContentItem(7, 42)
	require.True(t, ok, "linked item must be archived")
	require.Equal(t, "hello", item.Text)
	require.Equal(t, mirror.FromReference(ref.ID), item.Source)

	dst, err := store.DestinationByID(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, dst)
	require.True(t, dst.Joined)
	require.Equal(t, now, dst.LastActivity)
	require.True(t, client.Joined(7))

	refs := store.References()
	require.Len(t, refs, 1)
	require.True(t, refs[0].Classified)
	require.Equal(t, clientmemory.Pack(7), refs[0].Packed)
}

func TestScanAbsentItemStillClassifies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := clientmemory.NewClient(0)
	client.AddDestination(mirror.Destination{ID: 7, Kind: mirror.KindChannel, Alias: "examplechan"})
	store := storememory.NewStore()
	seedReference(t, store, "https://t.me/examplechan/99")

	p := newPipeline(t, client, store, &recordingQueue{}, now)
	require.NoError(t, p.scan(ctx))

	require.Zero(t, store.ContentItemCount(), "pruned items leave no row behind")
	refs := store.References()
	require.Len(t, refs, 1)
	require.True(t, refs[0].Classified, "absence is terminal, not retried")
	require.Equal(t, clientmemory.Pack(7), refs[0].Packed)
}

func TestScanDeadReferenceClassifiedWithoutCredential(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewStore()
	seedReference(t, store, "https://t.me/examplechan/notanumber")

	p := newPipeline(t, clientmemory.NewClient(0), store, &recordingQueue{}, time.Now())
	require.NoError(t, p.scan(ctx))

	refs := store.References()
	require.Len(t, refs, 1)
	require.True(t, refs[0].Classified)
	require.Empty(t, refs[0].Packed)
}

func TestScanInviteJoinsAndEnqueuesBackfill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := clientmemory.NewClient(0)
	client.AddDestination(mirror.Destination{ID: 9, Kind: mirror.KindGroup, Title: "Invited"})
	client.AddInvite("secretcode", 9)
	store := storememory.NewStore()
	queue := &recordingQueue{}
	seedReference(t, store, "https://t.me/+secretcode")

	p := newPipeline(t, client, store, queue, time.Now())
	require.NoError(t, p.scan(ctx))

	dst, err := store.DestinationByID(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, dst)
	require.True(t, dst.Joined)
	require.True(t, client.Joined(9))

	requests := queue.all()
	require.Len(t, requests, 1)
	require.EqualValues(t, 9, requests[0].Destination.ID)

	refs := store.References()
	require.True(t, refs[0].Classified)
	require.Equal(t, clientmemory.Pack(9), refs[0].Packed)
}

func TestScanKnownAliasSkipsResolution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := clientmemory.NewClient(0)
	store := storememory.NewStore()
	queue := &recordingQueue{}
	_, err := store.UpsertDestination(ctx, mirror.Destination{
		ID:     5,
		Kind:   mirror.KindChannel,
		Alias:  "knownchan",
		Packed: clientmemory.Pack(5),
	})
	require.NoError(t, err)
	seedReference(t, store, "https://t.me/knownchan")

	p := newPipeline(t, client, store, queue, time.Now())
	require.NoError(t, p.scan(ctx))

	refs := store.References()
	require.True(t, refs[0].Classified)
	require.Equal(t, clientmemory.Pack(5), refs[0].Packed)
	require.Empty(t, queue.all(), "already-collected aliases are not re-crawled")
	require.False(t, client.Joined(5))
}

func TestScanNewAliasJoinsAndEnqueuesBackfill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := clientmemory.NewClient(0)
	client.AddDestination(mirror.Destination{ID: 11, Kind: mirror.KindChannel, Alias: "freshchan"})
	store := storememory.NewStore()
	queue := &recordingQueue{}
	seedReference(t, store, "https://t.me/freshchan")

	p := newPipeline(t, client, store, queue, time.Now())
	require.NoError(t, p.scan(ctx))

	dst, err := store.DestinationByID(ctx, 11)
	require.NoError(t, err)
	require.NotNil(t, dst)
	require.True(t, dst.Joined)
	require.True(t, client.Joined(11))
	require.Len(t, queue.all(), 1)
}

func TestScanRemoteFailureAbandonsReferenceOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := clientmemory.NewClient(1)
	client.AddDestination(mirror.Destination{ID: 1, Kind: mirror.KindGroup, Alias: "occupier"})
	client.AddDestination(mirror.Destination{ID: 2, Kind: mirror.KindChannel, Alias: "overflow"})
	_, err := client.Join(ctx, clientmemory.Pack(1))
	require.NoError(t, err)

	store := storememory.NewStore()
	seedReference(t, store, "https://t.me/overflow")
	seedReference(t, store, "https://t.me/occupier")

	p := newPipeline(t, client, store, &recordingQueue{}, time.Now())
	require.NoError(t, p.scan(ctx), "remote refusals must not kill the scan")

	refs := store.References()
	require.Len(t, refs, 2)
	for _, ref := range refs {
		require.True(t, ref.Classified, "reference %q revisited", ref.Raw)
	}
}

func TestScanCorruptCredentialAbandonsReferenceOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := clientmemory.NewClient(0)
	client.AddDestination(
		mirror.Destination{ID: 7, Kind: mirror.KindChannel, Alias: "healthychan"},
		mirror.Item{DestinationID: 7, ID: 1, Text: "still here"},
	)
	store := storememory.NewStore()
	_, err := store.UpsertDestination(ctx, mirror.Destination{
		ID:     5,
		Kind:   mirror.KindChannel,
		Alias:  "rottenchan",
		Packed: "not-a-credential",
	})
	require.NoError(t, err)
	seedReference(t, store, "https://t.me/rottenchan/3")
	seedReference(t, store, "https://t.me/healthychan/1")

	p := newPipeline(t, client, store, &recordingQueue{}, time.Now())
	require.NoError(t, p.scan(ctx), "one corrupt credential must not kill the scan")

	refs := store.References()
	require.Len(t, refs, 2)
	require.True(t, refs[0].Classified)
	require.Empty(t, refs[0].Packed)

	_, ok := store.ContentItem(7, 1)
	require.True(t, ok, "later references still processed")
	require.True(t, refs[1].Classified)
}

func TestScanUnknownAliasClassifiesEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewStore()
	seedReference(t, store, "https://t.me/nosuchchan")

	p := newPipeline(t, clientmemory.NewClient(0), store, &recordingQueue{}, time.Now())
	require.NoError(t, p.scan(ctx))

	refs := store.References()
	require.True(t, refs[0].Classified)
	require.Empty(t, refs[0].Packed)
}
