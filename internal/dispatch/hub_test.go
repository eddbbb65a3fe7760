package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telemirror/telemirror/internal/mirror"
)

type collector struct {
	mu     sync.Mutex
	events []mirror.Event
}

func (c *collector) handle(_ context.Context, evt mirror.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newItemEvent(dst, item int64, text string) mirror.Event {
	return mirror.Event{
		Kind:          mirror.EventNewItem,
		DestinationID: dst,
		ItemID:        item,
		Text:          text,
		At:            time.Now(),
	}
}

func TestHubHandlerErrorsAreIsolated(t *testing.T) {
	t.Parallel()

	good := &collector{}
	hub := NewHub(Config{BufferSize: 8}, nil,
		Consumer{Name: "broken", Handler: func(context.Context, mirror.Event) error {
			return errors.New("always fails")
		}},
		Consumer{Name: "good", Handler: good.handle},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx) //nolint:errcheck // exits on cancel
		close(done)
	}()

	for i := int64(1); i <= 3; i++ {
		hub.Dispatch(newItemEvent(1, i, "hello"))
	}

	require.Eventually(t, func() bool { return good.count() == 3 },
		time.Second, 5*time.Millisecond,
		"well-behaved consumer receives every event despite the broken one")

	cancel()
	<-done
}

func TestHubFilters(t *testing.T) {
	t.Parallel()

	incoming := Consumer{Name: "incoming-only"}
	require.True(t, incoming.matches(newItemEvent(1, 1, "x")))
	outgoing := newItemEvent(1, 1, "x")
	outgoing.Outgoing = true
	require.False(t, incoming.matches(outgoing), "incoming-only is the default")

	allowed := Consumer{Name: "allow", AllowOutgoing: true}
	require.True(t, allowed.matches(outgoing))

	scoped := Consumer{Name: "scoped", Destinations: []int64{5, 6}}
	require.True(t, scoped.matches(newItemEvent(5, 1, "x")))
	require.False(t, scoped.matches(newItemEvent(7, 1, "x")))

	keyword := Consumer{Name: "keyword", Contains: "bitcoin"}
	require.True(t, keyword.matches(newItemEvent(1, 1, "cheap bitcoin here")))
	require.False(t, keyword.matches(newItemEvent(1, 1, "nothing relevant")))
}

func TestHubLossyUnderLag(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	processed := &collector{}
	hub := NewHub(Config{BufferSize: 1}, nil,
		Consumer{Name: "slow", Handler: func(ctx context.Context, evt mirror.Event) error {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-block:
			case <-ctx.Done():
			}
			return processed.handle(ctx, evt)
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx) //nolint:errcheck // exits on cancel
		close(done)
	}()

	hub.Dispatch(newItemEvent(1, 1, "first"))
	<-started // handler now wedged on the first event

	// One more fits the buffer; everything beyond must drop without blocking.
	dispatchDone := make(chan struct{})
	go func() {
		for i := int64(2); i <= 10; i++ {
			hub.Dispatch(newItemEvent(1, i, "flood"))
		}
		close(dispatchDone)
	}()
	select {
	case <-dispatchDone:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a lagging consumer")
	}

	close(block)
	require.Eventually(t, func() bool { return processed.count() == 2 },
		time.Second, 5*time.Millisecond,
		"only the in-flight event and one buffered event survive")

	cancel()
	<-done
	require.Equal(t, 2, processed.count(), "dropped events are never delivered (at-most-once)")
}
