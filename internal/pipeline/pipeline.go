// Package pipeline scans stored references in batches and turns them into
// joined destinations and archived content.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/telemirror/telemirror/internal/classify"
	"github.com/telemirror/telemirror/internal/metrics"
	"github.com/telemirror/telemirror/internal/mirror"
)

// Remote is the gateway surface the pipeline drives.
type Remote interface {
	ResolveAlias(ctx context.Context, alias string) (*mirror.Destination, error)
	Join(ctx context.Context, packed string) (*mirror.Destination, error)
	AcceptInvite(ctx context.Context, code string) (*mirror.Destination, error)
	Unpack(packed string) (mirror.Destination, error)
	FetchItemsByID(ctx context.Context, dst mirror.Destination, ids []int64) ([]*mirror.Item, error)
}

// Enqueuer schedules history backfill for newly acquired destinations.
type Enqueuer interface {
	Enqueue(ctx context.Context, req mirror.BackfillRequest) error
}

// Config controls the scan loop.
type Config struct {
	// BatchSize bounds one page of the unclassified-reference scan.
	BatchSize int
	// ScanInterval is the idle pause between full scans.
	ScanInterval time.Duration
}

// Pipeline is the crawl loop. Every reference it touches transitions to
// classified exactly once, whether or not resolution succeeded, so a scan
// never revisits a reference.
type Pipeline struct {
	remote Remote
	store  mirror.Store
	queue  Enqueuer
	clock  mirror.Clock
	cfg    Config
	logger *zap.Logger
}

// New builds a Pipeline.
func New(remote Remote, store mirror.Store, queue Enqueuer, clock mirror.Clock, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		remote: remote,
		store:  store,
		queue:  queue,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Name identifies the task in supervisor logs.
func (p *Pipeline) Name() string { return "crawl-pipeline" }

// Run repeats full scans of unclassified references until the context
// finishes. Storage failures terminate the task; remote failures abandon the
// current reference only.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if err := p.scan(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ScanInterval):
		}
	}
}

func (p *Pipeline) scan(ctx context.Context) error {
	var afterID int64
	total := 0
	p.logger.Info("reference scan started")
	for {
		refs, err := p.store.ListUnclassifiedReferences(ctx, afterID, p.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list references: %w", err)
		}
		if len(refs) == 0 {
			break
		}
		for _, ref := range refs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			afterID = ref.ID
			total++
			if err := p.process(ctx, ref); err != nil {
				return err
			}
		}
	}
	p.logger.Info("reference scan finished", zap.Int("processed", total))
	return nil
}

// process handles one reference and always marks it classified, attaching the
// resolved credential when one was obtained.
func (p *Pipeline) process(ctx context.Context, ref mirror.Reference) error {
	packed, err := p.handle(ctx, ref)
	if err != nil {
		if !mirror.IsRemote(err) {
			return err
		}
		p.logger.Warn("reference abandoned",
			zap.String("raw", ref.Raw),
			zap.Error(err),
		)
	}
	if err := p.store.MarkReferenceClassified(ctx, ref.ID, packed); err != nil {
		return fmt.Errorf("mark reference %d: %w", ref.ID, err)
	}
	return nil
}

func (p *Pipeline) handle(ctx context.Context, ref mirror.Reference) (string, error) {
	res, err := classify.Classify(ref.Raw)
	if err != nil {
		metrics.ObserveReference("dead")
		p.logger.Info("reference is dead", zap.String("raw", ref.Raw), zap.Error(err))
		return "", nil
	}
	metrics.ObserveReference(string(res.Kind))
	source := mirror.FromReference(ref.ID)
	switch res.Kind {
	case classify.KindInvite:
		return p.handleInvite(ctx, res.InviteCode, source)
	case classify.KindChatMessage:
		return p.handleChatMessage(ctx, res.Alias, res.ItemID, source)
	default:
		return p.handleMaybeChannel(ctx, res.Alias, source)
	}
}

func (p *Pipeline) handleInvite(ctx context.Context, code string, source mirror.Source) (string, error) {
	dst, err := p.remote.AcceptInvite(ctx, code)
	if err != nil {
		return "", err
	}
	if dst == nil {
		p.logger.Info("invite yielded no destination", zap.String("code", code))
		return "", nil
	}
	d := *dst
	d.Source = source
	stored, err := p.store.UpsertDestination(ctx, d)
	if err != nil {
		return "", fmt.Errorf("upsert destination %d: %w", d.ID, err)
	}
	if err := p.store.SetJoined(ctx, stored.ID, true); err != nil {
		return "", fmt.Errorf("mark occupied %d: %w", stored.ID, err)
	}
	if err := p.enqueueBackfill(ctx, stored); err != nil {
		return "", err
	}
	p.logger.Info("invite accepted", zap.Int64("destination", stored.ID))
	return stored.Packed, nil
}

func (p *Pipeline) handleChatMessage(ctx context.Context, alias string, itemID int64, source mirror.Source) (string, error) {
	dst, err := p.acquire(ctx, alias, source)
	if err != nil || dst == nil {
		return "", err
	}
	joined, err := p.remote.Join(ctx, dst.Packed)
	if err != nil {
		return dst.Packed, err
	}
	if joined != nil {
		if err := p.store.SetJoined(ctx, joined.ID, true); err != nil {
			return dst.Packed, fmt.Errorf("mark occupied %d: %w", joined.ID, err)
		}
	}
	items, err := p.remote.FetchItemsByID(ctx, *dst, []int64{itemID})
	if err != nil {
		return dst.Packed, err
	}
	if len(items) == 0 || items[0] == nil {
		// Remote history can be pruned; absence is expected, not an error.
		p.logger.Info("item absent remotely",
			zap.String("alias", alias),
			zap.Int64("item", itemID),
		)
		return dst.Packed, nil
	}
	item := items[0]
	err = p.store.PutContentItem(ctx, mirror.ContentItem{
		DestinationID: dst.ID,
		ItemID:        item.ID,
		Text:          item.Text,
		Payload:       item.Payload,
		PostedAt:      item.PostedAt,
		Source:        source,
	})
	if err != nil {
		return dst.Packed, fmt.Errorf("archive item %d@%d: %w", item.ID, dst.ID, err)
	}
	metrics.ObserveArchived(string(source.Type))
	if err := p.store.TouchDestination(ctx, dst.ID, p.clock.Now()); err != nil {
		return dst.Packed, fmt.Errorf("touch destination %d: %w", dst.ID, err)
	}
	p.logger.Info("item archived",
		zap.Int64("destination", dst.ID),
		zap.Int64("item", item.ID),
	)
	return dst.Packed, nil
}

func (p *Pipeline) handleMaybeChannel(ctx context.Context, alias string, source mirror.Source) (string, error) {
	known, err := p.store.DestinationByAlias(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("lookup alias %q: %w", alias, err)
	}
	if known != nil {
		// Already covered by an earlier reference.
		p.logger.Info("alias already collected", zap.String("alias", alias))
		return known.Packed, nil
	}
	dst, err := p.acquire(ctx, alias, source)
	if err != nil || dst == nil {
		return "", err
	}
	joined, err := p.remote.Join(ctx, dst.Packed)
	if err != nil {
		return dst.Packed, err
	}
	if joined != nil {
		if err := p.store.SetJoined(ctx, joined.ID, true); err != nil {
			return dst.Packed, fmt.Errorf("mark occupied %d: %w", joined.ID, err)
		}
	}
	if err := p.enqueueBackfill(ctx, *dst); err != nil {
		return dst.Packed, err
	}
	return dst.Packed, nil
}

// acquire returns the destination for alias, reusing the stored credential
// when the alias is already known and spending a resolution rate-limit slot
// only for genuinely new aliases.
func (p *Pipeline) acquire(ctx context.Context, alias string, source mirror.Source) (*mirror.Destination, error) {
	known, err := p.store.DestinationByAlias(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("lookup alias %q: %w", alias, err)
	}
	if known != nil {
		unpacked, err := p.remote.Unpack(known.Packed)
		if err != nil {
			// A stored credential that no longer unpacks is unusable, but
			// one bad row must not take the whole scan down with it.
			p.logger.Warn("stored credential is corrupt",
				zap.String("alias", alias),
				zap.Int64("destination", known.ID),
				zap.Error(err),
			)
			return nil, nil
		}
		unpacked.Packed = known.Packed
		return &unpacked, nil
	}
	resolved, err := p.remote.ResolveAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		p.logger.Info("alias not found remotely", zap.String("alias", alias))
		return nil, nil
	}
	d := *resolved
	d.Source = source
	stored, err := p.store.UpsertDestination(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("upsert destination %d: %w", d.ID, err)
	}
	p.logger.Info("new alias collected",
		zap.String("alias", alias),
		zap.Int64("destination", stored.ID),
	)
	return &stored, nil
}

func (p *Pipeline) enqueueBackfill(ctx context.Context, dst mirror.Destination) error {
	if p.queue == nil {
		return nil
	}
	req := mirror.BackfillRequest{Destination: dst, Until: dst.LastActivity}
	if err := p.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("enqueue backfill %d: %w", dst.ID, err)
	}
	return nil
}
