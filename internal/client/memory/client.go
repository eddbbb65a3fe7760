// Package memory provides an in-process messaging client for development and
// testing. Destinations, history and live events are scripted by the caller.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/telemirror/telemirror/internal/mirror"
)

const packedPrefix = "packed:"

// Pack builds the credential the fake remote hands out for a destination.
func Pack(id int64) string {
	return packedPrefix + strconv.FormatInt(id, 10)
}

// Client implements mirror.Client against in-memory state. Capacity, when
// positive, bounds the number of simultaneously joined destinations and makes
// Join refuse with a capacity-exceeded signal, like the real remote.
type Client struct {
	mu           sync.Mutex
	destinations map[int64]mirror.Destination
	aliases      map[string]int64
	invites      map[string]int64
	history      map[int64][]mirror.Item
	joined       map[int64]bool
	capacity     int

	events  chan mirror.Event
	sent    []Stimulus
	pressed []Press
}

// Stimulus records one SendStimulus call.
type Stimulus struct {
	DestinationID int64
	Text          string
}

// Press records one PressButton call.
type Press struct {
	DestinationID int64
	ItemID        int64
	Data          []byte
}

// NewClient creates an empty fake remote. capacity <= 0 means unbounded.
func NewClient(capacity int) *Client {
	return &Client{
		destinations: make(map[int64]mirror.Destination),
		aliases:      make(map[string]int64),
		invites:      make(map[string]int64),
		history:      make(map[int64][]mirror.Item),
		joined:       make(map[int64]bool),
		capacity:     capacity,
		events:       make(chan mirror.Event, 64),
	}
}

// AddDestination registers a destination the remote knows about, with its
// historical items (newest first).
func (c *Client) AddDestination(d mirror.Destination, items ...mirror.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d.Packed = Pack(d.ID)
	c.destinations[d.ID] = d
	if d.Alias != "" {
		c.aliases[d.Alias] = d.ID
	}
	c.history[d.ID] = append([]mirror.Item(nil), items...)
}

// AddInvite maps an invite code to a destination.
func (c *Client) AddInvite(code string, destinationID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invites[code] = destinationID
}

// Emit feeds one live event to NextEvent callers.
func (c *Client) Emit(evt mirror.Event) {
	c.events <- evt
}

// ResolveAlias looks up a destination by alias; (nil, nil) when unknown.
func (c *Client) ResolveAlias(_ context.Context, alias string) (*mirror.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.aliases[alias]
	if !ok {
		return nil, nil
	}
	d := c.destinations[id]
	return &d, nil
}

// Join occupies one slot, refusing when the capacity cap is reached.
func (c *Client) Join(_ context.Context, packed string) (*mirror.Destination, error) {
	id, err := unpackID(packed)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.destinations[id]
	if !ok {
		return nil, fmt.Errorf("unknown destination %d", id)
	}
	if !c.joined[id] && c.capacity > 0 && c.joinedCountLocked() >= c.capacity {
		return nil, mirror.CapacityExceeded(fmt.Errorf("capacity %d reached", c.capacity))
	}
	c.joined[id] = true
	return &d, nil
}

// Leave releases the slot; leaving a destination twice is harmless.
func (c *Client) Leave(_ context.Context, packed string) error {
	id, err := unpackID(packed)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, id)
	return nil
}

// AcceptInvite redeems an invite code and joins the destination it yields.
func (c *Client) AcceptInvite(_ context.Context, code string) (*mirror.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.invites[code]
	if !ok {
		return nil, nil
	}
	if !c.joined[id] && c.capacity > 0 && c.joinedCountLocked() >= c.capacity {
		return nil, mirror.CapacityExceeded(fmt.Errorf("capacity %d reached", c.capacity))
	}
	c.joined[id] = true
	d := c.destinations[id]
	return &d, nil
}

// Unpack rehydrates a destination from its packed credential.
func (c *Client) Unpack(packed string) (mirror.Destination, error) {
	id, err := unpackID(packed)
	if err != nil {
		return mirror.Destination{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.destinations[id]
	if !ok {
		return mirror.Destination{ID: id, Packed: packed}, nil
	}
	return d, nil
}

// FetchItemsByID returns the requested items, nil at absent positions.
func (c *Client) FetchItemsByID(_ context.Context, dst mirror.Destination, ids []int64) ([]*mirror.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*mirror.Item, len(ids))
	for i, id := range ids {
		for _, item := range c.history[dst.ID] {
			if item.ID == id {
				it := item
				out[i] = &it
				break
			}
		}
	}
	return out, nil
}

// StreamHistory yields stored items newest-first down to until or ceiling.
func (c *Client) StreamHistory(_ context.Context, dst mirror.Destination, until time.Time, ceiling int) (mirror.HistoryStream, error) {
	c.mu.Lock()
	items := append([]mirror.Item(nil), c.history[dst.ID]...)
	c.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].PostedAt.After(items[j].PostedAt) })
	var selected []mirror.Item
	for _, item := range items {
		if !until.IsZero() && !item.PostedAt.After(until) {
			break
		}
		selected = append(selected, item)
		if ceiling > 0 && len(selected) >= ceiling {
			break
		}
	}
	return &sliceStream{items: selected}, nil
}

type sliceStream struct {
	items []mirror.Item
	pos   int
}

func (s *sliceStream) Next(_ context.Context) (*mirror.Item, error) {
	if s.pos >= len(s.items) {
		return nil, nil
	}
	item := s.items[s.pos]
	s.pos++
	return &item, nil
}

// NextEvent blocks until an emitted event arrives or the context finishes.
func (c *Client) NextEvent(ctx context.Context) (mirror.Event, error) {
	select {
	case <-ctx.Done():
		return mirror.Event{}, ctx.Err()
	case evt := <-c.events:
		return evt, nil
	}
}

// SendStimulus records the send.
func (c *Client) SendStimulus(_ context.Context, dst mirror.Destination, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Stimulus{DestinationID: dst.ID, Text: text})
	return nil
}

// PressButton records the press.
func (c *Client) PressButton(_ context.Context, dst mirror.Destination, itemID int64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pressed = append(c.pressed, Press{
		DestinationID: dst.ID,
		ItemID:        itemID,
		Data:          append([]byte(nil), data...),
	})
	return nil
}

// LiveMembership reports every currently joined destination.
func (c *Client) LiveMembership(_ context.Context) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Sent returns every recorded stimulus.
func (c *Client) Sent() []Stimulus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Stimulus(nil), c.sent...)
}

// Pressed returns every recorded button press.
func (c *Client) Pressed() []Press {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Press(nil), c.pressed...)
}

// Joined reports whether the destination currently occupies a slot.
func (c *Client) Joined(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[id]
}

func (c *Client) joinedCountLocked() int {
	return len(c.joined)
}

func unpackID(packed string) (int64, error) {
	raw, ok := strings.CutPrefix(packed, packedPrefix)
	if !ok {
		return 0, fmt.Errorf("malformed credential %q", packed)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed credential %q: %w", packed, err)
	}
	return id, nil
}
