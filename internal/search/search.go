// Package search wires standing keyword searches: one SearchTask row, one
// filtered fan-out consumer, and one watchdog per (agent, keyword) pair.
package search

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/dispatch"
	"github.com/telemirror/telemirror/internal/metrics"
	"github.com/telemirror/telemirror/internal/mirror"
	"github.com/telemirror/telemirror/internal/watchdog"
)

// Agent is a search bot the mirror talks to.
type Agent struct {
	Name        string
	Destination mirror.Destination
}

// Pager presses interactive callback buttons, usually through the gateway's
// fetch gate.
type Pager interface {
	PressButton(ctx context.Context, dst mirror.Destination, itemID int64, data []byte) error
}

// Search bots paginate results behind a "next page" button; these are the
// labels the original engines use.
var defaultPageMarkers = []string{"下一页", "➡️"}

// Scraper consumes live events produced by one standing search: it archives
// the event, harvests embedded references for the crawl pipeline, and touches
// the watchdog's activity stamp.
type Scraper struct {
	task     mirror.SearchTask
	agent    Agent
	keyword  string
	store    mirror.Store
	pager    Pager
	markers  []string
	activity *watchdog.Activity
	clock    mirror.Clock
	logger   *zap.Logger
}

// Consumer returns the fan-out registration for this scraper: events from the
// agent's destination whose text mentions the keyword, incoming only.
func (s *Scraper) Consumer() dispatch.Consumer {
	return dispatch.Consumer{
		Name:         fmt.Sprintf("search-%s-%s", s.agent.Name, s.keyword),
		Destinations: []int64{s.agent.Destination.ID},
		Contains:     s.keyword,
		Handler:      s.handle,
	}
}

func (s *Scraper) handle(ctx context.Context, evt mirror.Event) error {
	switch evt.Kind {
	case mirror.EventNewItem, mirror.EventEditedItem:
	default:
		s.activity.Touch(s.clock.Now())
		return nil
	}
	source := mirror.FromSearch(s.task.ID)
	err := s.store.PutContentItem(ctx, mirror.ContentItem{
		DestinationID: evt.DestinationID,
		ItemID:        evt.ItemID,
		Text:          evt.Text,
		Payload:       evt.Payload,
		PostedAt:      evt.At,
		Source:        source,
	})
	if err != nil {
		return fmt.Errorf("archive search result: %w", err)
	}
	metrics.ObserveArchived(string(source.Type))
	linkSource := mirror.FromItem(evt.ItemID)
	for _, link := range evt.Links {
		err := s.store.InsertReference(ctx, mirror.Reference{
			Raw:         link,
			Description: s.keyword,
			Source:      linkSource,
		})
		if err != nil {
			return fmt.Errorf("store reference %q: %w", link, err)
		}
		s.logger.Info("reference discovered",
			zap.String("keyword", s.keyword),
			zap.String("raw", link),
		)
	}
	s.pressNextPage(ctx, evt)
	s.activity.Touch(s.clock.Now())
	return nil
}

// pressNextPage clicks any pagination button attached to the event. The bot
// answers by editing the result item in place, so press failures are only
// worth a warning.
func (s *Scraper) pressNextPage(ctx context.Context, evt mirror.Event) {
	if s.pager == nil {
		return
	}
	for _, btn := range evt.Buttons {
		if !s.isPageButton(btn.Text) {
			continue
		}
		err := s.pager.PressButton(ctx, s.agent.Destination, evt.ItemID, btn.Data)
		if err != nil {
			s.logger.Warn("next page press failed",
				zap.String("keyword", s.keyword),
				zap.String("button", btn.Text),
				zap.Error(err),
			)
		}
	}
}

func (s *Scraper) isPageButton(label string) bool {
	for _, marker := range s.markers {
		if strings.Contains(label, marker) {
			return true
		}
	}
	return false
}

// Activation bundles the consumer/watchdog pair for one keyword.
type Activation struct {
	Consumer dispatch.Consumer
	Watchdog *watchdog.Watchdog
}

// Activate records the SearchTask and builds the scraper consumer plus its
// watchdog. The task row is immutable afterwards and anchors provenance for
// everything this search discovers.
func Activate(ctx context.Context, store mirror.Store, agent Agent, keyword string, sender watchdog.Sender, pager Pager, clock mirror.Clock, cfg watchdog.Config, logger *zap.Logger) (Activation, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	task, err := store.CreateSearchTask(ctx, mirror.SearchTask{
		Agent:     agent.Name,
		Keyword:   keyword,
		StartedAt: clock.Now(),
	})
	if err != nil {
		return Activation{}, fmt.Errorf("create search task: %w", err)
	}
	logger.Info("search activated",
		zap.String("agent", agent.Name),
		zap.String("keyword", keyword),
		zap.Int64("task", task.ID),
	)
	activity := watchdog.NewActivity(clock.Now())
	scraper := &Scraper{
		task:     task,
		agent:    agent,
		keyword:  keyword,
		store:    store,
		pager:    pager,
		markers:  defaultPageMarkers,
		activity: activity,
		clock:    clock,
		logger:   logger,
	}
	wd := watchdog.New(agent.Destination, keyword, activity, sender, clock, cfg, logger)
	return Activation{Consumer: scraper.Consumer(), Watchdog: wd}, nil
}
