// Package dispatch broadcasts the single ordered live-event stream to every
// registered consumer through per-consumer bounded channels.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/metrics"
	"github.com/telemirror/telemirror/internal/mirror"
)

const (
	defaultBufferSize = 256
	dropLogInterval   = 5 * time.Second
)

// Handler processes one live event on behalf of a consumer.
type Handler func(ctx context.Context, evt mirror.Event) error

// Consumer declares an independently filtered recipient of live events.
// The zero value of AllowOutgoing keeps the default incoming-only filter,
// suppressing self-originated events.
type Consumer struct {
	Name string

	// AllowOutgoing disables the incoming-only filter.
	AllowOutgoing bool

	// Destinations, when non-empty, restricts delivery to these identities.
	Destinations []int64

	// Contains, when non-empty, requires the event text to contain it.
	Contains string

	Handler Handler
}

func (c Consumer) matches(evt mirror.Event) bool {
	if !c.AllowOutgoing && evt.Outgoing {
		return false
	}
	if len(c.Destinations) > 0 {
		found := false
		for _, id := range c.Destinations {
			if id == evt.DestinationID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Contains != "" && !strings.Contains(evt.Text, c.Contains) {
		return false
	}
	return true
}

// Config controls per-consumer buffering.
type Config struct {
	BufferSize int
}

type registration struct {
	consumer    Consumer
	events      chan mirror.Event
	dropped     atomic.Int64
	dropLimiter rateLimiter
}

// Hub fans live events out to consumers. Dispatch never blocks; a consumer
// that falls behind its bounded channel loses events (at-most-once delivery).
// Consumers are registered before Run and never at runtime.
type Hub struct {
	cfg    Config
	logger *zap.Logger
	regs   []*registration
}

// NewHub builds a Hub over the given consumers.
func NewHub(cfg Config, logger *zap.Logger, consumers ...Consumer) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{cfg: cfg, logger: logger}
	for _, c := range consumers {
		h.regs = append(h.regs, &registration{
			consumer:    c,
			events:      make(chan mirror.Event, cfg.BufferSize),
			dropLimiter: rateLimiter{interval: dropLogInterval},
		})
	}
	return h
}

// Dispatch offers the event to every consumer whose filter passes. It never
// blocks; if a consumer's buffer is full the event is dropped for that
// consumer and a rate-limited warning is logged.
func (h *Hub) Dispatch(evt mirror.Event) {
	for _, reg := range h.regs {
		if !reg.consumer.matches(evt) {
			continue
		}
		select {
		case reg.events <- evt:
		default:
			reg.dropped.Add(1)
			metrics.ObserveDrop(reg.consumer.Name)
			if reg.dropLimiter.Allow(time.Now()) {
				count := reg.dropped.Swap(0)
				h.logger.Warn("events dropped for lagging consumer",
					zap.String("consumer", reg.consumer.Name),
					zap.Int64("dropped", count),
				)
			}
		}
	}
}

// Name identifies the task in supervisor logs.
func (h *Hub) Name() string { return "dispatch-fanout" }

// Run drains every consumer channel until the context finishes. A handler
// error is logged and never aborts delivery to other consumers or of later
// events.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, reg := range h.regs {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			h.drain(ctx, reg)
		}(reg)
	}
	wg.Wait()
	return ctx.Err()
}

func (h *Hub) drain(ctx context.Context, reg *registration) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-reg.events:
			if err := reg.consumer.Handler(ctx, evt); err != nil {
				h.logger.Warn("consumer handler failed",
					zap.String("consumer", reg.consumer.Name),
					zap.String("kind", string(evt.Kind)),
					zap.Error(err),
				)
				continue
			}
			metrics.ObserveDispatch(reg.consumer.Name)
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
