// Package memory provides an in-memory store for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telemirror/telemirror/internal/mirror"
)

// Store keeps all rows in maps guarded by a single mutex. It implements
// mirror.Store with the same idempotency rules as the Postgres backend.
type Store struct {
	mu           sync.RWMutex
	destinations map[int64]mirror.Destination
	references   map[int64]mirror.Reference
	refIDByRaw   map[string]int64
	items        map[itemKey]mirror.ContentItem
	searches     map[int64]mirror.SearchTask
	nextRefID    int64
	nextSearchID int64
}

type itemKey struct {
	destinationID int64
	itemID        int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		destinations: make(map[int64]mirror.Destination),
		references:   make(map[int64]mirror.Reference),
		refIDByRaw:   make(map[string]int64),
		items:        make(map[itemKey]mirror.ContentItem),
		searches:     make(map[int64]mirror.SearchTask),
	}
}

// UpsertDestination inserts or updates a destination keyed by ID. The joined
// flag and last-activity watermark of an existing row are preserved; they are
// mutated only through SetJoined and TouchDestination.
func (s *Store) UpsertDestination(_ context.Context, d mirror.Destination) (mirror.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.destinations[d.ID]; ok {
		d.Joined = existing.Joined
		if d.LastActivity.IsZero() {
			d.LastActivity = existing.LastActivity
		}
	}
	s.destinations[d.ID] = d
	return d, nil
}

// DestinationByAlias returns the destination with the given alias, nil when absent.
func (s *Store) DestinationByAlias(_ context.Context, alias string) (*mirror.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.destinations {
		if d.Alias == alias {
			out := d
			return &out, nil
		}
	}
	return nil, nil
}

// DestinationByID returns the destination with the given ID, nil when absent.
func (s *Store) DestinationByID(_ context.Context, id int64) (*mirror.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.destinations[id]
	if !ok {
		return nil, nil
	}
	out := d
	return &out, nil
}

// SetJoined flips the occupancy flag. Unknown IDs are a no-op.
func (s *Store) SetJoined(_ context.Context, id int64, joined bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.destinations[id]
	if !ok {
		return nil
	}
	d.Joined = joined
	s.destinations[id] = d
	return nil
}

// ClearJoined marks every destination as not occupying a slot.
func (s *Store) ClearJoined(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, d := range s.destinations {
		d.Joined = false
		s.destinations[id] = d
	}
	return nil
}

// TouchDestination advances the last-activity watermark. Unknown IDs are a no-op.
func (s *Store) TouchDestination(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.destinations[id]
	if !ok {
		return nil
	}
	d.LastActivity = at
	s.destinations[id] = d
	return nil
}

// OldestDestination returns the destination with the smallest last-activity
// timestamp among rows matching the occupancy filter, ties broken by lowest ID.
func (s *Store) OldestDestination(_ context.Context, joined bool) (*mirror.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *mirror.Destination
	for _, d := range s.destinations {
		if d.Joined != joined {
			continue
		}
		if oldest == nil ||
			d.LastActivity.Before(oldest.LastActivity) ||
			(d.LastActivity.Equal(oldest.LastActivity) && d.ID < oldest.ID) {
			out := d
			oldest = &out
		}
	}
	return oldest, nil
}

// InsertReference stores a discovered reference. Duplicate raw text is a
// silent no-op.
func (s *Store) InsertReference(_ context.Context, r mirror.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refIDByRaw[r.Raw]; ok {
		return nil
	}
	s.nextRefID++
	r.ID = s.nextRefID
	s.references[r.ID] = r
	s.refIDByRaw[r.Raw] = r.ID
	return nil
}

// ListUnclassifiedReferences scans unclassified references with ID greater
// than afterID, ascending, at most limit rows.
func (s *Store) ListUnclassifiedReferences(_ context.Context, afterID int64, limit int) ([]mirror.Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []mirror.Reference
	for _, r := range s.references {
		if r.Classified || r.ID <= afterID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkReferenceClassified sets the classified flag exactly once. Already
// classified rows and unknown IDs are a no-op.
func (s *Store) MarkReferenceClassified(_ context.Context, id int64, packed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.references[id]
	if !ok || r.Classified {
		return nil
	}
	r.Classified = true
	r.Packed = packed
	s.references[id] = r
	return nil
}

// PutContentItem archives one content item. Re-archiving the same
// (destination, item) key is a no-op.
func (s *Store) PutContentItem(_ context.Context, item mirror.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey{destinationID: item.DestinationID, itemID: item.ItemID}
	if _, ok := s.items[key]; ok {
		return nil
	}
	item.Payload = append([]byte(nil), item.Payload...)
	s.items[key] = item
	return nil
}

// CreateSearchTask records one activation and returns it with its assigned ID.
func (s *Store) CreateSearchTask(_ context.Context, t mirror.SearchTask) (mirror.SearchTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSearchID++
	t.ID = s.nextSearchID
	s.searches[t.ID] = t
	return t, nil
}

// ContentItem returns one archived item for test assertions.
func (s *Store) ContentItem(destinationID, itemID int64) (mirror.ContentItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemKey{destinationID: destinationID, itemID: itemID}]
	return item, ok
}

// ContentItemCount returns the number of archived items for test assertions.
func (s *Store) ContentItemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// References returns all stored references for test assertions.
func (s *Store) References() []mirror.Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]mirror.Reference, 0, len(s.references))
	for _, r := range s.references {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
