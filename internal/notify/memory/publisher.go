// Package memory contains an in-memory notifier for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/telemirror/telemirror/internal/mirror"
)

// Publisher stores published items for inspection.
type Publisher struct {
	mu    sync.RWMutex
	items []mirror.ContentItem
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the item.
func (p *Publisher) Publish(_ context.Context, item mirror.ContentItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, item)
	return nil
}

// Items returns the recorded announcements.
func (p *Publisher) Items() []mirror.ContentItem {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]mirror.ContentItem, len(p.items))
	copy(out, p.items)
	return out
}

// Close does nothing and returns nil.
func (p *Publisher) Close() error { return nil }
