// Package mirror defines core types shared across subsystems.
package mirror

import "time"

// DestinationKind distinguishes the flavors of remote endpoints.
type DestinationKind string

// Destination kinds persisted in the store.
const (
	KindUser    DestinationKind = "user"
	KindGroup   DestinationKind = "group"
	KindChannel DestinationKind = "channel"
)

// Destination is a remote chat/channel/user endpoint that can be joined and
// holds content. At most one row exists per ID.
type Destination struct {
	ID           int64           `json:"id"`
	Kind         DestinationKind `json:"kind"`
	Alias        string          `json:"alias,omitempty"`
	Title        string          `json:"title"`
	Packed       string          `json:"packed"`
	Joined       bool            `json:"joined"`
	LastActivity time.Time       `json:"last_activity"`
	Source       Source          `json:"source"`
}

// Reference is a raw textual pointer discovered in content, typically a deep
// link. Raw text is unique; once Classified is set the row is never revisited.
type Reference struct {
	ID          int64  `json:"id"`
	Raw         string `json:"raw"`
	Description string `json:"description,omitempty"`
	Source      Source `json:"source"`
	Classified  bool   `json:"classified"`
	Packed      string `json:"packed,omitempty"`
}

// ContentItem is one archived unit of content, keyed by (destination, item).
// Writes are idempotent; re-archiving the same key is a no-op.
type ContentItem struct {
	DestinationID int64     `json:"destination_id"`
	ItemID        int64     `json:"item_id"`
	Text          string    `json:"text,omitempty"`
	Payload       []byte    `json:"payload"`
	PostedAt      time.Time `json:"posted_at"`
	Source        Source    `json:"source"`
}

// SearchTask records one standing (agent, keyword) activation. Immutable after
// creation; used only as a provenance anchor.
type SearchTask struct {
	ID        int64     `json:"id"`
	Agent     string    `json:"agent"`
	Keyword   string    `json:"keyword"`
	StartedAt time.Time `json:"started_at"`
}

// SourceType tags why a row exists.
type SourceType string

// Provenance tags embedded in every entity.
const (
	SourceSearch      SourceType = "search"
	SourceReference   SourceType = "reference"
	SourceItem        SourceType = "item"
	SourceDestination SourceType = "destination"
	SourceManual      SourceType = "manual"
)

// Source is a lineage tag recording which upstream entity caused a row to be
// created. It is embedded, never persisted standalone.
type Source struct {
	Type SourceType `json:"type"`
	ID   int64      `json:"id"`
}

// FromSearch builds a Source pointing at a SearchTask row.
func FromSearch(id int64) Source { return Source{Type: SourceSearch, ID: id} }

// FromReference builds a Source pointing at a Reference row.
func FromReference(id int64) Source { return Source{Type: SourceReference, ID: id} }

// FromItem builds a Source pointing at an archived ContentItem.
func FromItem(id int64) Source { return Source{Type: SourceItem, ID: id} }

// FromDestination builds a Source pointing at a Destination row.
func FromDestination(id int64) Source { return Source{Type: SourceDestination, ID: id} }

// Manual marks rows created by hand.
func Manual() Source { return Source{Type: SourceManual, ID: -1} }

// Item is one raw unit of content returned by the messaging client, either
// from a history stream or a point fetch.
type Item struct {
	DestinationID int64
	ID            int64
	Text          string
	Links         []string
	Payload       []byte
	PostedAt      time.Time
}

// EventKind enumerates the live update variants surfaced by the client.
type EventKind string

// Live event kinds.
const (
	EventNewItem     EventKind = "new_item"
	EventEditedItem  EventKind = "edited_item"
	EventDeletion    EventKind = "deletion"
	EventCallback    EventKind = "callback"
	EventInlineQuery EventKind = "inline_query"
)

// Button is an interactive callback control attached to a live event.
type Button struct {
	Text string
	Data []byte
}

// Event is a single live update received from the messaging client. The
// inbound stream preserves remote-reported order.
type Event struct {
	Kind          EventKind
	DestinationID int64
	ItemID        int64
	Text          string
	Outgoing      bool
	Links         []string
	Buttons       []Button
	Payload       []byte
	At            time.Time
}

// BackfillRequest asks the history worker to mirror a destination's past
// content down to the Until watermark.
type BackfillRequest struct {
	Destination Destination
	Until       time.Time
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
