package event

import "fmt"

// FoldConcept replays a concept's events below maxVersion into the state the
// aggregate had at that point. The compensation manager uses it to build
// revert/restore payloads; maxVersion 0 folds the whole history.
func FoldConcept(events []Event, maxVersion int64) (ConceptPayload, error) {
	var state ConceptPayload
	for _, evt := range events {
		if maxVersion > 0 && evt.Version >= maxVersion {
			break
		}
		switch evt.EventType {
		case TypeConceptCreated, TypeConceptRestored, TypeConceptReverted:
			p, err := ParseConceptPayload(evt.Payload)
			if err != nil {
				return ConceptPayload{}, fmt.Errorf("fold %s v%d: %w", evt.AggregateID, evt.Version, err)
			}
			state = p
		case TypeConceptUpdated:
			p, err := ParseConceptPayload(evt.Payload)
			if err != nil {
				return ConceptPayload{}, fmt.Errorf("fold %s v%d: %w", evt.AggregateID, evt.Version, err)
			}
			if p.Name != "" {
				state.Name = p.Name
			}
			if p.Kind != "" {
				state.Kind = p.Kind
			}
			if p.Summary != "" {
				state.Summary = p.Summary
			}
			if p.Attributes != nil {
				state.Attributes = p.Attributes
			}
			if len(p.Embedding) > 0 {
				state.Embedding = p.Embedding
			}
		}
	}
	return state, nil
}

// FoldRelation returns the last materialized relation payload below
// maxVersion.
func FoldRelation(events []Event, maxVersion int64) (RelationPayload, error) {
	var state RelationPayload
	for _, evt := range events {
		if maxVersion > 0 && evt.Version >= maxVersion {
			break
		}
		switch evt.EventType {
		case TypeRelationCreated, TypeRelationRestored:
			p, err := ParseRelationPayload(evt.Payload)
			if err != nil {
				return RelationPayload{}, fmt.Errorf("fold %s v%d: %w", evt.AggregateID, evt.Version, err)
			}
			state = p
		}
	}
	return state, nil
}
