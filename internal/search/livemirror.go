package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/dispatch"
	"github.com/telemirror/telemirror/internal/metrics"
	"github.com/telemirror/telemirror/internal/mirror"
	"github.com/telemirror/telemirror/internal/notify"
)

// LiveMirror archives every incoming live item from any joined destination
// and feeds embedded references back into the crawl pipeline.
type LiveMirror struct {
	store    mirror.Store
	clock    mirror.Clock
	notifier notify.Publisher
	logger   *zap.Logger
}

// NewLiveMirror builds the mirror consumer. The notifier may be nil.
func NewLiveMirror(store mirror.Store, clock mirror.Clock, notifier notify.Publisher, logger *zap.Logger) *LiveMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveMirror{store: store, clock: clock, notifier: notifier, logger: logger}
}

// Consumer returns the unfiltered (incoming-only) fan-out registration.
func (m *LiveMirror) Consumer() dispatch.Consumer {
	return dispatch.Consumer{
		Name:    "live-mirror",
		Handler: m.handle,
	}
}

func (m *LiveMirror) handle(ctx context.Context, evt mirror.Event) error {
	switch evt.Kind {
	case mirror.EventNewItem, mirror.EventEditedItem:
	default:
		return nil
	}
	source := mirror.FromDestination(evt.DestinationID)
	item := mirror.ContentItem{
		DestinationID: evt.DestinationID,
		ItemID:        evt.ItemID,
		Text:          evt.Text,
		Payload:       evt.Payload,
		PostedAt:      evt.At,
		Source:        source,
	}
	if err := m.store.PutContentItem(ctx, item); err != nil {
		return fmt.Errorf("archive live item: %w", err)
	}
	metrics.ObserveArchived(string(source.Type))
	if err := m.store.TouchDestination(ctx, evt.DestinationID, m.clock.Now()); err != nil {
		return fmt.Errorf("touch destination %d: %w", evt.DestinationID, err)
	}
	linkSource := mirror.FromItem(evt.ItemID)
	for _, link := range evt.Links {
		err := m.store.InsertReference(ctx, mirror.Reference{
			Raw:    link,
			Source: linkSource,
		})
		if err != nil {
			return fmt.Errorf("store reference %q: %w", link, err)
		}
	}
	if m.notifier != nil {
		if err := m.notifier.Publish(ctx, item); err != nil {
			// Notification is best-effort; the archive already succeeded.
			m.logger.Warn("archive notification failed", zap.Error(err))
		}
	}
	return nil
}
