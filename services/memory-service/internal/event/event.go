package event

import (
	"encoding/json"
	"time"
)

// Aggregate types carried on every event.
const (
	AggregateConcept  = "concept"
	AggregateRelation = "relation"
)

// Event types. Compensating inverses go through the same delivery path as
// forward events, so projections treat them like any other type.
const (
	TypeConceptCreated = "memory.concept.created.v1"
	TypeConceptUpdated = "memory.concept.updated.v1"
	TypeConceptDeleted = "memory.concept.deleted.v1"

	TypeRelationCreated = "memory.relation.created.v1"
	TypeRelationDeleted = "memory.relation.deleted.v1"

	// Compensating types. Retracted undoes a create, reverted undoes an
	// update (payload carries the prior state), restored undoes a delete.
	TypeConceptRetracted  = "memory.concept.retracted.v1"
	TypeConceptReverted   = "memory.concept.reverted.v1"
	TypeConceptRestored   = "memory.concept.restored.v1"
	TypeRelationRetracted = "memory.relation.retracted.v1"
	TypeRelationRestored  = "memory.relation.restored.v1"
)

// Event is the immutable fact appended to the log. Version is strictly
// monotonic per aggregate, starting at 1.
type Event struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ConceptPayload is the payload of concept events. Updated events carry only
// the changed fields; created/reverted/restored events carry full state.
// The embedding is produced by an external embedder before submission.
type ConceptPayload struct {
	Name       string            `json:"name,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Embedding  []float32         `json:"embedding,omitempty"`
}

// RelationPayload is the payload of relation events.
type RelationPayload struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Kind     string  `json:"kind"`
	Weight   float64 `json:"weight,omitempty"`
}

func ParseConceptPayload(raw json.RawMessage) (ConceptPayload, error) {
	var p ConceptPayload
	err := json.Unmarshal(raw, &p)
	return p, err
}

func ParseRelationPayload(raw json.RawMessage) (RelationPayload, error) {
	var p RelationPayload
	err := json.Unmarshal(raw, &p)
	return p, err
}

// Known reports whether t is an event type this deployment understands.
// Unknown types are skipped by projections, not rejected.
func Known(t string) bool {
	switch t {
	case TypeConceptCreated, TypeConceptUpdated, TypeConceptDeleted,
		TypeRelationCreated, TypeRelationDeleted,
		TypeConceptRetracted, TypeConceptReverted, TypeConceptRestored,
		TypeRelationRetracted, TypeRelationRestored:
		return true
	}
	return false
}

// Compensating reports whether t is an inverse event emitted by the
// compensation manager. A failed compensating delivery is never compensated
// again; it is surfaced as a fatal inconsistency instead.
func Compensating(t string) bool {
	switch t {
	case TypeConceptRetracted, TypeConceptReverted, TypeConceptRestored,
		TypeRelationRetracted, TypeRelationRestored:
		return true
	}
	return false
}
