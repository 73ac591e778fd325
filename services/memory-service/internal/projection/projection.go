package projection

import (
	"context"

	"github.com/knowd-io/knowd/services/memory-service/internal/event"
)

// Projection names used in outbox entries.
const (
	Graph  = "graph"
	Vector = "vector"
)

// Summary is the fixed field set the consistency checker compares across
// read models.
type Summary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Version int64  `json:"version"`
}

// Projection is the contract every read model satisfies. Apply must be
// idempotent per event_id: redelivering an already-applied event leaves the
// store unchanged. ListLiveEntityIDs and EntitySummary are read-only and are
// used exclusively by the consistency checker.
type Projection interface {
	Name() string
	Apply(ctx context.Context, evt event.Event) error
	ListLiveEntityIDs(ctx context.Context) (map[string]struct{}, error)
	EntitySummary(ctx context.Context, id string) (Summary, bool, error)
}

// Required returns the projections an event of the given type must reach.
// Relation events only materialize in the graph; concept events fan out to
// both stores.
func Required(eventType string) []string {
	switch eventType {
	case event.TypeRelationCreated, event.TypeRelationDeleted,
		event.TypeRelationRetracted, event.TypeRelationRestored:
		return []string{Graph}
	default:
		return []string{Graph, Vector}
	}
}
