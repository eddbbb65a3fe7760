package mirror

import (
	"context"
	"time"
)

// Client is the wire-level messaging collaborator. Implementations own
// connect/authenticate concerns; the core only calls the operations below,
// always through the rate-limited gateway. Failures are surfaced as
// *RemoteError where the remote reported a recognizable signal.
type Client interface {
	// ResolveAlias looks a destination up by human-readable alias. Returns
	// (nil, nil) when the alias does not exist remotely.
	ResolveAlias(ctx context.Context, alias string) (*Destination, error)

	// Join subscribes to the destination addressed by the packed credential,
	// consuming one subscription slot.
	Join(ctx context.Context, packed string) (*Destination, error)

	// Leave releases the subscription slot held for the destination.
	Leave(ctx context.Context, packed string) error

	// AcceptInvite redeems an invite code. Returns (nil, nil) when the invite
	// yields no destination.
	AcceptInvite(ctx context.Context, code string) (*Destination, error)

	// Unpack rehydrates a Destination from its packed credential without any
	// remote round trip.
	Unpack(packed string) (Destination, error)

	// FetchItemsByID fetches specific items; absent items come back nil at
	// their position.
	FetchItemsByID(ctx context.Context, dst Destination, ids []int64) ([]*Item, error)

	// StreamHistory opens a finite backward stream of historical items from
	// now down to until (exclusive) or ceiling items, whichever comes first.
	// The stream is restartable per call, not resumable mid-stream.
	StreamHistory(ctx context.Context, dst Destination, until time.Time, ceiling int) (HistoryStream, error)

	// NextEvent blocks until the next live update arrives.
	NextEvent(ctx context.Context) (Event, error)

	// SendStimulus sends text to the destination.
	SendStimulus(ctx context.Context, dst Destination, text string) error

	// PressButton activates an interactive callback button attached to an
	// item. Remotes that mutate the item in place return no answer.
	PressButton(ctx context.Context, dst Destination, itemID int64, data []byte) error

	// LiveMembership returns the identities of every destination currently
	// occupying a subscription slot, as reported by the remote.
	LiveMembership(ctx context.Context) ([]int64, error)
}

// HistoryStream yields historical items newest-first. Next returns (nil, nil)
// once the stream is exhausted.
type HistoryStream interface {
	Next(ctx context.Context) (*Item, error)
}

// Store is the persistence collaborator. All writes are idempotent upserts;
// any error is treated as fatal by the calling task.
type Store interface {
	// UpsertDestination inserts or updates by identity and returns the stored
	// row (with its assigned state).
	UpsertDestination(ctx context.Context, d Destination) (Destination, error)

	// DestinationByAlias resolves an alias to exactly one destination or nil.
	DestinationByAlias(ctx context.Context, alias string) (*Destination, error)

	// DestinationByID looks a destination up by identity, nil when absent.
	DestinationByID(ctx context.Context, id int64) (*Destination, error)

	// SetJoined flips the occupancy flag for one destination.
	SetJoined(ctx context.Context, id int64, joined bool) error

	// ClearJoined marks every destination as not occupying a slot.
	ClearJoined(ctx context.Context) error

	// TouchDestination advances the destination's last-activity watermark.
	TouchDestination(ctx context.Context, id int64, at time.Time) error

	// OldestDestination returns the destination with the smallest
	// last-activity timestamp matching the occupancy filter, ties broken by
	// lowest identity; nil when none match.
	OldestDestination(ctx context.Context, joined bool) (*Destination, error)

	// InsertReference stores a discovered reference; duplicate raw text is a
	// silent no-op.
	InsertReference(ctx context.Context, r Reference) error

	// ListUnclassifiedReferences scans unclassified references with ID greater
	// than afterID, ascending, at most limit rows.
	ListUnclassifiedReferences(ctx context.Context, afterID int64, limit int) ([]Reference, error)

	// MarkReferenceClassified sets classified=true exactly once, optionally
	// attaching the resolved packed credential.
	MarkReferenceClassified(ctx context.Context, id int64, packed string) error

	// PutContentItem archives one content item; the (destination, item) key is
	// unique and re-archiving is a no-op.
	PutContentItem(ctx context.Context, item ContentItem) error

	// CreateSearchTask records one (agent, keyword) activation and returns the
	// stored row with its identity.
	CreateSearchTask(ctx context.Context, t SearchTask) (SearchTask, error)
}
