package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telemirror/telemirror/internal/mirror"
)

func TestUpsertPreservesOccupancyAndWatermark(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.UpsertDestination(ctx, mirror.Destination{ID: 1, Title: "first"})
	require.NoError(t, err)
	require.NoError(t, s.SetJoined(ctx, 1, true))
	require.NoError(t, s.TouchDestination(ctx, 1, at))

	// A later upsert (fresh resolve, new title) must not reset either flag.
	updated, err := s.UpsertDestination(ctx, mirror.Destination{ID: 1, Title: "renamed"})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Title)
	require.True(t, updated.Joined)
	require.Equal(t, at, updated.LastActivity)

	// An upsert carrying its own watermark wins over the stored one.
	later := at.Add(time.Hour)
	updated, err = s.UpsertDestination(ctx, mirror.Destination{ID: 1, Title: "renamed", LastActivity: later})
	require.NoError(t, err)
	require.Equal(t, later, updated.LastActivity)
}

func TestDestinationLookups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	_, err := s.UpsertDestination(ctx, mirror.Destination{ID: 3, Alias: "somechan"})
	require.NoError(t, err)

	byAlias, err := s.DestinationByAlias(ctx, "somechan")
	require.NoError(t, err)
	require.NotNil(t, byAlias)
	require.EqualValues(t, 3, byAlias.ID)

	missing, err := s.DestinationByAlias(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	byID, err := s.DestinationByID(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, byID)

	missing, err = s.DestinationByID(ctx, 99)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestOldestDestinationFilterAndTieBreak(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for _, d := range []struct {
		id     int64
		joined bool
		last   time.Time
	}{
		{id: 5, joined: true, last: at},
		{id: 2, joined: true, last: at}, // same watermark, lower ID wins
		{id: 9, joined: true, last: at.Add(-time.Hour)},
		{id: 1, joined: false, last: at.Add(-24 * time.Hour)},
	} {
		_, err := s.UpsertDestination(ctx, mirror.Destination{ID: d.id, LastActivity: d.last})
		require.NoError(t, err)
		require.NoError(t, s.SetJoined(ctx, d.id, d.joined))
	}

	oldest, err := s.OldestDestination(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	require.EqualValues(t, 9, oldest.ID, "occupancy filter applies before age")

	require.NoError(t, s.TouchDestination(ctx, 9, at))
	oldest, err = s.OldestDestination(ctx, true)
	require.NoError(t, err)
	require.EqualValues(t, 2, oldest.ID, "ties break toward the lowest ID")

	unjoined, err := s.OldestDestination(ctx, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, unjoined.ID)
}

func TestClearJoined(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	for id := int64(1); id <= 3; id++ {
		_, err := s.UpsertDestination(ctx, mirror.Destination{ID: id})
		require.NoError(t, err)
		require.NoError(t, s.SetJoined(ctx, id, true))
	}
	require.NoError(t, s.ClearJoined(ctx))

	joined, err := s.OldestDestination(ctx, true)
	require.NoError(t, err)
	require.Nil(t, joined)
}

func TestInsertReferenceDeduplicatesRaw(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.InsertReference(ctx, mirror.Reference{Raw: "https://t.me/x/1"}))
	require.NoError(t, s.InsertReference(ctx, mirror.Reference{Raw: "https://t.me/x/1"}))
	require.NoError(t, s.InsertReference(ctx, mirror.Reference{Raw: "https://t.me/x/2"}))

	refs := s.References()
	require.Len(t, refs, 2)
	require.EqualValues(t, 1, refs[0].ID)
	require.EqualValues(t, 2, refs[1].ID)
}

func TestListUnclassifiedPagination(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	for _, raw := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.InsertReference(ctx, mirror.Reference{Raw: raw}))
	}
	require.NoError(t, s.MarkReferenceClassified(ctx, 2, "packed:2"))

	page, err := s.ListUnclassifiedReferences(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.EqualValues(t, 1, page[0].ID)
	require.EqualValues(t, 3, page[1].ID)

	page, err = s.ListUnclassifiedReferences(ctx, page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.EqualValues(t, 4, page[0].ID)
}

func TestMarkReferenceClassifiedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.InsertReference(ctx, mirror.Reference{Raw: "once"}))
	require.NoError(t, s.MarkReferenceClassified(ctx, 1, "packed:7"))
	// The second mark is a no-op and must not overwrite the credential.
	require.NoError(t, s.MarkReferenceClassified(ctx, 1, "packed:other"))

	refs := s.References()
	require.True(t, refs[0].Classified)
	require.Equal(t, "packed:7", refs[0].Packed)
}

func TestPutContentItemIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	item := mirror.ContentItem{DestinationID: 1, ItemID: 10, Text: "original"}
	require.NoError(t, s.PutContentItem(ctx, item))

	item.Text = "rewritten"
	require.NoError(t, s.PutContentItem(ctx, item))

	stored, ok := s.ContentItem(1, 10)
	require.True(t, ok)
	require.Equal(t, "original", stored.Text)
	require.Equal(t, 1, s.ContentItemCount())
}

func TestCreateSearchTaskAssignsIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	first, err := s.CreateSearchTask(ctx, mirror.SearchTask{Agent: "agent", Keyword: "one"})
	require.NoError(t, err)
	second, err := s.CreateSearchTask(ctx, mirror.SearchTask{Agent: "agent", Keyword: "two"})
	require.NoError(t, err)
	require.EqualValues(t, 1, first.ID)
	require.EqualValues(t, 2, second.ID)
}
