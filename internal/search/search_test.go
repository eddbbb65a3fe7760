package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/mirror"
	storememory "github.com/telemirror/telemirror/internal/store/memory"
	"github.com/telemirror/telemirror/internal/watchdog"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type recordingPager struct {
	mu      sync.Mutex
	presses [][]byte
	err     error
}

func (p *recordingPager) PressButton(_ context.Context, _ mirror.Destination, _ int64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presses = append(p.presses, append([]byte(nil), data...))
	return p.err
}

func (p *recordingPager) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.presses)
}

func nopLogger() *zap.Logger { return zap.NewNop() }

type nopSender struct{}

func (nopSender) SendStimulus(context.Context, mirror.Destination, string) error { return nil }

func activateScraper(t *testing.T, store mirror.Store, pager Pager, now time.Time) (*Scraper, *storememory.Store) {
	t.Helper()
	mem, _ := store.(*storememory.Store)
	task, err := store.CreateSearchTask(context.Background(), mirror.SearchTask{
		Agent:     "searchbot",
		Keyword:   "keyword",
		StartedAt: now,
	})
	require.NoError(t, err)
	return &Scraper{
		task:     task,
		agent:    Agent{Name: "searchbot", Destination: mirror.Destination{ID: 100, Kind: mirror.KindUser}},
		keyword:  "keyword",
		store:    store,
		pager:    pager,
		markers:  defaultPageMarkers,
		activity: watchdog.NewActivity(now),
		clock:    fixedClock{at: now.Add(time.Minute)},
		logger:   nopLogger(),
	}, mem
}

func TestScraperArchivesResultAndHarvestsLinks(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storememory.NewStore()
	s, mem := activateScraper(t, store, nil, now)

	evt := mirror.Event{
		Kind:          mirror.EventNewItem,
		DestinationID: 100,
		ItemID:        7,
		Text:          "keyword result",
		Links:         []string{"https://t.me/foundchan", "https://t.me/foundchan/3"},
		At:            now,
	}
	require.NoError(t, s.handle(context.Background(), evt))

	item, ok := mem.ContentItem(100, 7)
	require.True(t, ok)
	require.Equal(t, mirror.FromSearch(s.task.ID), item.Source)

	refs := mem.References()
	require.Len(t, refs, 2)
	for _, ref := range refs {
		require.Equal(t, mirror.FromItem(7), ref.Source)
		require.Equal(t, "keyword", ref.Description)
	}
	require.True(t, s.activity.Last().After(now), "handled events stamp activity")
}

func TestScraperPressesPaginationButtons(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pager := &recordingPager{}
	s, _ := activateScraper(t, storememory.NewStore(), pager, now)

	evt := mirror.Event{
		Kind:          mirror.EventNewItem,
		DestinationID: 100,
		ItemID:        7,
		Text:          "keyword page 1",
		Buttons: []mirror.Button{
			{Text: "刷新", Data: []byte("refresh")},
			{Text: "下一页", Data: []byte("page2")},
			{Text: "more ➡️", Data: []byte("page2b")},
		},
		At: now,
	}
	require.NoError(t, s.handle(context.Background(), evt))
	require.Equal(t, 2, pager.count(), "only next-page markers are pressed")
}

func TestScraperPressFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pager := &recordingPager{err: errors.New("callback expired")}
	s, mem := activateScraper(t, storememory.NewStore(), pager, now)

	evt := mirror.Event{
		Kind:          mirror.EventNewItem,
		DestinationID: 100,
		ItemID:        7,
		Text:          "keyword page 1",
		Buttons:       []mirror.Button{{Text: "下一页", Data: []byte("page2")}},
		At:            now,
	}
	require.NoError(t, s.handle(context.Background(), evt))
	require.Equal(t, 1, mem.ContentItemCount())
}

func TestScraperNonItemEventsOnlyTouch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, mem := activateScraper(t, storememory.NewStore(), nil, now)

	evt := mirror.Event{Kind: mirror.EventDeletion, DestinationID: 100, ItemID: 7}
	require.NoError(t, s.handle(context.Background(), evt))
	require.Zero(t, mem.ContentItemCount())
	require.True(t, s.activity.Last().After(now))
}

func TestActivateRecordsTaskAndConsumer(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storememory.NewStore()
	agent := Agent{Name: "searchbot", Destination: mirror.Destination{ID: 100, Kind: mirror.KindUser}}

	act, err := Activate(context.Background(), store, agent, "keyword", nopSender{}, nil,
		fixedClock{at: now}, watchdog.Config{Timeout: time.Minute, Tick: time.Second}, nil)
	require.NoError(t, err)
	require.Equal(t, "search-searchbot-keyword", act.Consumer.Name)
	require.Equal(t, []int64{100}, act.Consumer.Destinations)
	require.Equal(t, "keyword", act.Consumer.Contains)
	require.NotNil(t, act.Watchdog)
}

func TestLiveMirrorArchivesAndFeedsReferences(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storememory.NewStore()
	_, err := store.UpsertDestination(context.Background(), mirror.Destination{ID: 50, Kind: mirror.KindChannel})
	require.NoError(t, err)

	m := NewLiveMirror(store, fixedClock{at: now}, nil, nil)
	evt := mirror.Event{
		Kind:          mirror.EventNewItem,
		DestinationID: 50,
		ItemID:        9,
		Text:          "announcement",
		Links:         []string{"https://t.me/linked"},
		At:            now.Add(-time.Minute),
	}
	require.NoError(t, m.handle(context.Background(), evt))

	item, ok := store.ContentItem(50, 9)
	require.True(t, ok)
	require.Equal(t, mirror.FromDestination(50), item.Source)

	dst, err := store.DestinationByID(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, now, dst.LastActivity)

	refs := store.References()
	require.Len(t, refs, 1)
	require.Equal(t, mirror.FromItem(9), refs[0].Source)
}

func TestLiveMirrorIgnoresNonItemEvents(t *testing.T) {
	t.Parallel()

	store := storememory.NewStore()
	m := NewLiveMirror(store, fixedClock{at: time.Now()}, nil, nil)
	require.NoError(t, m.handle(context.Background(), mirror.Event{Kind: mirror.EventCallback}))
	require.Zero(t, store.ContentItemCount())
}
