// Package watchdog monitors per-keyword liveness and re-issues the search
// stimulus when a timeout elapses without activity.
package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/metrics"
	"github.com/telemirror/telemirror/internal/mirror"
)

// Activity is the shared last-observed-activity stamp, touched by the search
// consumer whenever a matching live event arrives and read by the watchdog
// tick. Guarded by its own lock; never held together with another.
type Activity struct {
	mu   sync.Mutex
	last time.Time
}

// NewActivity seeds the stamp so a fresh watchdog does not fire immediately.
func NewActivity(now time.Time) *Activity {
	return &Activity{last: now}
}

// Touch records activity at t.
func (a *Activity) Touch(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = t
}

// Last returns the most recent activity time.
func (a *Activity) Last() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Sender re-issues the stimulus; the gateway's agent-resend category
// satisfies this and enforces its own minimum interval independent of the
// check tick.
type Sender interface {
	SendStimulus(ctx context.Context, dst mirror.Destination, text string) error
}

// Config controls the watchdog loop.
type Config struct {
	// Timeout is the silence window after which the stimulus is re-issued.
	Timeout time.Duration
	// Tick is how often the window is checked.
	Tick time.Duration
	// SendInitial fires the stimulus once at startup before watching.
	SendInitial bool
}

// Watchdog watches one standing keyword against one search agent.
type Watchdog struct {
	agent    mirror.Destination
	keyword  string
	activity *Activity
	sender   Sender
	clock    mirror.Clock
	cfg      Config
	logger   *zap.Logger
}

// New builds a Watchdog.
func New(agent mirror.Destination, keyword string, activity *Activity, sender Sender, clock mirror.Clock, cfg Config, logger *zap.Logger) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		agent:    agent,
		keyword:  keyword,
		activity: activity,
		sender:   sender,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Name identifies the task in supervisor logs.
func (w *Watchdog) Name() string { return "watchdog-" + w.keyword }

// Run checks the silence window on every tick. At most one resend fires per
// timeout window; the gateway's resend gate spaces consecutive resends even
// when windows elapse back to back. Send failures are logged and the loop
// keeps watching.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.cfg.SendInitial {
		if err := w.send(ctx); err != nil {
			w.logger.Warn("initial stimulus failed",
				zap.String("keyword", w.keyword),
				zap.Error(err),
			)
		}
	}
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := w.clock.Now()
			if now.Sub(w.activity.Last()) <= w.cfg.Timeout {
				continue
			}
			w.logger.Info("search went silent, resending stimulus",
				zap.String("keyword", w.keyword),
				zap.Time("last_activity", w.activity.Last()),
			)
			if err := w.send(ctx); err != nil {
				w.logger.Warn("stimulus resend failed",
					zap.String("keyword", w.keyword),
					zap.Error(err),
				)
				continue
			}
			metrics.ObserveResend(w.keyword)
			w.activity.Touch(w.clock.Now())
		}
	}
}

func (w *Watchdog) send(ctx context.Context) error {
	return w.sender.SendStimulus(ctx, w.agent, w.keyword)
}
