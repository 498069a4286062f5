package v1

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SourceEvent is one raw countable fact emitted by an external collaborator
// (the message-send path, the invite path, ...). Pull-kind count stats are
// computed by scanning these rows after a bucket closes.
type SourceEvent struct {
	// ID is a unique, client-supplied identifier enforcing ingest idempotency.
	// The ingestion service assigns a UUID when the client omits it.
	ID string `json:"id"`

	// RealmID is the tenant the event belongs to. Always required: every
	// count ultimately rolls up to a realm.
	RealmID int64 `json:"realm_id"`

	// UserID and StreamID attribute the event to the leaf scopes.
	// Either may be absent; e.g. invites have no stream dimension.
	UserID   *int64 `json:"user_id,omitempty"`
	StreamID *int64 `json:"stream_id,omitempty"`

	// Type is the domain-specific event name (e.g. "message_sent").
	// It is the key pull stats bind their source query to.
	Type string `json:"type"`

	// Subgroup optionally partitions the event within its type
	// (e.g. message type, bot-vs-human). Absent means the NULL partition.
	Subgroup *string `json:"subgroup,omitempty"`

	// Delta is the event's contribution to a sum-style count.
	// Defaults to 1 when omitted. May be negative for delta stats.
	Delta decimal.Decimal `json:"delta"`

	// OccurredAt is when the event happened (producer clock); it selects
	// the time bucket. IngestedAt is the server-side receive time.
	OccurredAt time.Time `json:"occurred_at"`
	IngestedAt time.Time `json:"ingested_at"`

	// IngestSeq is a monotonic sequence assigned by the database on insert.
	// Not exposed in the public API.
	IngestSeq int64 `json:"-"`
}

// Validate ensures the event carries the required attributes.
func (e *SourceEvent) Validate() error {
	if e.RealmID <= 0 {
		return fmt.Errorf("realm_id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}

// Increment is the synchronous write contract for logging-kind stats:
// record_event(property, subgroup, entity_id, delta, timestamp).
type Increment struct {
	Property string          `json:"property"`
	Scope    string          `json:"scope"`
	EntityID *int64          `json:"entity_id,omitempty"`
	Subgroup *string         `json:"subgroup,omitempty"`
	Delta    decimal.Decimal `json:"delta"`
	At       time.Time       `json:"at"`
}

// Validate ensures the increment carries the required attributes.
func (i *Increment) Validate() error {
	if i.Property == "" {
		return fmt.Errorf("property is required")
	}
	if i.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if i.At.IsZero() {
		return fmt.Errorf("at is required")
	}
	if i.Delta.IsZero() {
		return fmt.Errorf("delta must be non-zero")
	}
	return nil
}
