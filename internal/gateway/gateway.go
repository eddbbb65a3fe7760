// Package gateway wraps every remote messaging operation with per-category
// minimum-interval gates and the single-retry policies for transient failures.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telemirror/telemirror/internal/metrics"
	"github.com/telemirror/telemirror/internal/mirror"
)

// Category names one rate-limit bucket. Each category tracks its own
// last-invocation time; callers block until the category interval has elapsed.
type Category string

// Gate categories.
const (
	CategoryResolve Category = "resolve"
	CategoryJoin    Category = "join"
	CategoryFetch   Category = "fetch"
	CategoryResend  Category = "resend"
)

// Evictor frees one subscription slot. The slot cache satisfies this; the
// indirection breaks the construction cycle between gateway and cache.
type Evictor interface {
	EvictOne(ctx context.Context) error
}

// Config holds the per-category minimum intervals.
type Config struct {
	ResolveInterval time.Duration
	JoinInterval    time.Duration
	FetchInterval   time.Duration
	ResendInterval  time.Duration
}

// Gateway serializes remote calls per category and applies the retry policy:
// one sleep-and-retry on a remote rate-limit signal, one evict-and-retry on a
// capacity-exceeded join. Everything else propagates unchanged.
type Gateway struct {
	client mirror.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	gates   map[Category]*rate.Limiter
	evictor Evictor
}

// New builds a Gateway over the client. Non-positive intervals disable the
// corresponding gate.
func New(client mirror.Client, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	gates := make(map[Category]*rate.Limiter, 4)
	for cat, interval := range map[Category]time.Duration{
		CategoryResolve: cfg.ResolveInterval,
		CategoryJoin:    cfg.JoinInterval,
		CategoryFetch:   cfg.FetchInterval,
		CategoryResend:  cfg.ResendInterval,
	} {
		limit := rate.Inf
		if interval > 0 {
			limit = rate.Every(interval)
		}
		gates[cat] = rate.NewLimiter(limit, 1)
	}
	return &Gateway{
		client: client,
		logger: logger,
		sleep:  sleepCtx,
		gates:  gates,
	}
}

// SetEvictor wires the slot cache in after construction.
func (g *Gateway) SetEvictor(e Evictor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictor = e
}

// ResolveAlias resolves an alias through the resolve gate.
func (g *Gateway) ResolveAlias(ctx context.Context, alias string) (*mirror.Destination, error) {
	var dst *mirror.Destination
	err := g.invoke(ctx, CategoryResolve, false, func(ctx context.Context) error {
		var err error
		dst, err = g.client.ResolveAlias(ctx, alias)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve alias %q: %w", alias, err)
	}
	return dst, nil
}

// Join subscribes to a destination. A capacity-exceeded refusal triggers one
// eviction through the slot cache before the single retry.
func (g *Gateway) Join(ctx context.Context, packed string) (*mirror.Destination, error) {
	var dst *mirror.Destination
	err := g.invoke(ctx, CategoryJoin, true, func(ctx context.Context) error {
		var err error
		dst, err = g.client.Join(ctx, packed)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}
	return dst, nil
}

// Leave releases a subscription slot.
func (g *Gateway) Leave(ctx context.Context, packed string) error {
	err := g.invoke(ctx, CategoryJoin, false, func(ctx context.Context) error {
		return g.client.Leave(ctx, packed)
	})
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	return nil
}

// AcceptInvite redeems an invite code, with the same capacity handling as Join.
func (g *Gateway) AcceptInvite(ctx context.Context, code string) (*mirror.Destination, error) {
	var dst *mirror.Destination
	err := g.invoke(ctx, CategoryJoin, true, func(ctx context.Context) error {
		var err error
		dst, err = g.client.AcceptInvite(ctx, code)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("accept invite: %w", err)
	}
	return dst, nil
}

// Unpack rehydrates a destination locally; no gate applies.
func (g *Gateway) Unpack(packed string) (mirror.Destination, error) {
	dst, err := g.client.Unpack(packed)
	if err != nil {
		return mirror.Destination{}, fmt.Errorf("unpack credential: %w", err)
	}
	return dst, nil
}

// FetchItemsByID fetches specific items through the fetch gate.
func (g *Gateway) FetchItemsByID(ctx context.Context, dst mirror.Destination, ids []int64) ([]*mirror.Item, error) {
	var items []*mirror.Item
	err := g.invoke(ctx, CategoryFetch, false, func(ctx context.Context) error {
		var err error
		items, err = g.client.FetchItemsByID(ctx, dst, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	return items, nil
}

// StreamHistory opens a history stream whose every Next passes the fetch gate.
func (g *Gateway) StreamHistory(ctx context.Context, dst mirror.Destination, until time.Time, ceiling int) (mirror.HistoryStream, error) {
	stream, err := g.client.StreamHistory(ctx, dst, until, ceiling)
	if err != nil {
		return nil, fmt.Errorf("open history stream: %w", err)
	}
	return &gatedStream{gw: g, inner: stream}, nil
}

// SendStimulus sends text through the agent-resend gate.
func (g *Gateway) SendStimulus(ctx context.Context, dst mirror.Destination, text string) error {
	err := g.invoke(ctx, CategoryResend, false, func(ctx context.Context) error {
		return g.client.SendStimulus(ctx, dst, text)
	})
	if err != nil {
		return fmt.Errorf("send stimulus: %w", err)
	}
	return nil
}

// PressButton activates an interactive callback button through the fetch gate.
func (g *Gateway) PressButton(ctx context.Context, dst mirror.Destination, itemID int64, data []byte) error {
	err := g.invoke(ctx, CategoryFetch, false, func(ctx context.Context) error {
		return g.client.PressButton(ctx, dst, itemID, data)
	})
	if err != nil {
		return fmt.Errorf("press button: %w", err)
	}
	return nil
}

// LiveMembership lists remotely-joined destinations through the resolve gate.
func (g *Gateway) LiveMembership(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := g.invoke(ctx, CategoryResolve, false, func(ctx context.Context) error {
		var err error
		ids, err = g.client.LiveMembership(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("live membership: %w", err)
	}
	return ids, nil
}

func (g *Gateway) wait(ctx context.Context, cat Category) error {
	g.mu.Lock()
	limiter := g.gates[cat]
	g.mu.Unlock()
	if limiter == nil {
		return nil
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gate wait %s: %w", cat, err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveGateWait(string(cat), d)
	}
	return nil
}

type gatedStream struct {
	gw    *Gateway
	inner mirror.HistoryStream
}

func (s *gatedStream) Next(ctx context.Context) (*mirror.Item, error) {
	if err := s.gw.wait(ctx, CategoryFetch); err != nil {
		return nil, err
	}
	item, err := s.inner.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("history next: %w", err)
	}
	return item, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
