// Package notify announces newly archived content to downstream systems.
// Delivery is best-effort; the archive itself is the source of truth.
package notify

import (
	"context"

	"github.com/telemirror/telemirror/internal/mirror"
)

// Publisher pushes archive announcements to a broker (or nowhere).
type Publisher interface {
	Publish(ctx context.Context, item mirror.ContentItem) error
	Close() error
}

// Noop discards every announcement.
type Noop struct{}

// Publish does nothing and returns nil.
func (Noop) Publish(_ context.Context, _ mirror.ContentItem) error { return nil }

// Close does nothing and returns nil.
func (Noop) Close() error { return nil }
