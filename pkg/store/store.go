// Package store defines the footprint record and the persistence contract
// the tracker writes to and reads from. Implementations must provide
// identical semantics across backends.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wilhg/footprint/pkg/adapters/geo"
	"github.com/wilhg/footprint/pkg/errmodel"
)

// ErrNotFound is returned when a record addressed by id does not exist.
var ErrNotFound = errors.New("store: not found")

// Reference is a type-tagged identifier of an owner or performer.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool { return r.Type == "" && r.ID == "" }

func (r Reference) String() string { return r.Type + "#" + r.ID }

// Footprint is one persisted tracked occurrence.
type Footprint struct {
	ID         int64          `json:"id"`
	Owner      Reference      `json:"owner"`
	Performer  *Reference     `json:"performer,omitempty"`
	IP         string         `json:"ip"`
	EventType  string         `json:"event_type"`
	Metadata   map[string]any `json:"metadata"`
	OccurredAt time.Time      `json:"occurred_at"`
	Geo        *geo.Location  `json:"geo,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Validate checks the fields every persisted record must carry.
func (f *Footprint) Validate() error {
	var missing []string
	if strings.TrimSpace(f.Owner.Type) == "" || strings.TrimSpace(f.Owner.ID) == "" {
		missing = append(missing, "owner")
	}
	if strings.TrimSpace(f.IP) == "" {
		missing = append(missing, "ip")
	}
	if strings.TrimSpace(f.EventType) == "" {
		missing = append(missing, "event_type")
	}
	if f.OccurredAt.IsZero() {
		missing = append(missing, "occurred_at")
	}
	if f.Performer != nil && (f.Performer.Type == "" || f.Performer.ID == "") {
		return errmodel.Validation("invalid_performer", "performer needs both type and id", map[string]any{"performer": f.Performer.String()})
	}
	if len(missing) > 0 {
		return errmodel.Validation("invalid_footprint", strings.Join(missing, ", ")+" can't be blank", map[string]any{"fields": missing})
	}
	return nil
}

// Query filters footprints. Zero-valued fields do not filter.
type Query struct {
	Owner       Reference
	EventType   string
	CountryCode string
	Performer   *Reference
	From        time.Time
	To          time.Time
	// Recent orders by occurred_at descending; otherwise by id ascending.
	Recent bool
	Limit  int
}

// LastDays restricts q to records that occurred within n days before now.
func (q Query) LastDays(n int, now time.Time) Query {
	if n > 0 {
		q.From = now.AddDate(0, 0, -n)
	}
	return q
}

// Store persists footprints.
type Store interface {
	// CreateFootprint inserts f and fills ID, CreatedAt and UpdatedAt.
	CreateFootprint(ctx context.Context, f *Footprint) error
	ListFootprints(ctx context.Context, q Query) ([]Footprint, error)
	CountFootprints(ctx context.Context, q Query) (int64, error)
	// EventTypes returns the distinct event types matching q, sorted.
	EventTypes(ctx context.Context, q Query) ([]string, error)
	// Countries returns the distinct non-null country codes matching q, sorted.
	Countries(ctx context.Context, q Query) ([]string, error)
	// ReassignPerformer is the only update a footprint permits.
	ReassignPerformer(ctx context.Context, id int64, performer *Reference) error
	// DeleteByOwner removes every footprint of owner and returns the count.
	DeleteByOwner(ctx context.Context, owner Reference) (int64, error)
}
