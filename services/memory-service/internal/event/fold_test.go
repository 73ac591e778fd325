package event

import (
	"encoding/json"
	"testing"
)

func conceptEvent(t *testing.T, eventType string, version int64, p ConceptPayload) Event {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Event{
		EventType:     eventType,
		AggregateID:   "c-1",
		AggregateType: AggregateConcept,
		Payload:       raw,
		Version:       version,
	}
}

func TestFoldConceptMergesUpdates(t *testing.T) {
	history := []Event{
		conceptEvent(t, TypeConceptCreated, 1, ConceptPayload{Name: "raft", Kind: "protocol", Summary: "consensus"}),
		conceptEvent(t, TypeConceptUpdated, 2, ConceptPayload{Summary: "leader-based consensus"}),
		conceptEvent(t, TypeConceptUpdated, 3, ConceptPayload{Kind: "algorithm"}),
	}

	state, err := FoldConcept(history, 0)
	if err != nil {
		t.Fatalf("FoldConcept failed: %v", err)
	}
	if state.Name != "raft" {
		t.Fatalf("name = %q, want raft", state.Name)
	}
	if state.Kind != "algorithm" {
		t.Fatalf("kind = %q, want algorithm", state.Kind)
	}
	if state.Summary != "leader-based consensus" {
		t.Fatalf("summary = %q", state.Summary)
	}
}

func TestFoldConceptStopsBelowMaxVersion(t *testing.T) {
	history := []Event{
		conceptEvent(t, TypeConceptCreated, 1, ConceptPayload{Name: "raft", Kind: "protocol"}),
		conceptEvent(t, TypeConceptUpdated, 2, ConceptPayload{Kind: "algorithm"}),
	}

	state, err := FoldConcept(history, 2)
	if err != nil {
		t.Fatalf("FoldConcept failed: %v", err)
	}
	if state.Kind != "protocol" {
		t.Fatalf("fold below version 2 should keep kind=protocol, got %q", state.Kind)
	}
}

func TestFoldConceptRevertResetsState(t *testing.T) {
	history := []Event{
		conceptEvent(t, TypeConceptCreated, 1, ConceptPayload{Name: "raft", Kind: "protocol", Summary: "first"}),
		conceptEvent(t, TypeConceptUpdated, 2, ConceptPayload{Summary: "second"}),
		conceptEvent(t, TypeConceptReverted, 3, ConceptPayload{Name: "raft", Kind: "protocol", Summary: "first"}),
	}

	state, err := FoldConcept(history, 0)
	if err != nil {
		t.Fatalf("FoldConcept failed: %v", err)
	}
	if state.Summary != "first" {
		t.Fatalf("revert should restore summary, got %q", state.Summary)
	}
}

func TestFoldRelation(t *testing.T) {
	raw, _ := json.Marshal(RelationPayload{SourceID: "c-1", TargetID: "c-2", Kind: "depends_on", Weight: 0.8})
	history := []Event{
		{EventType: TypeRelationCreated, AggregateID: "r-1", AggregateType: AggregateRelation, Payload: raw, Version: 1},
		{EventType: TypeRelationDeleted, AggregateID: "r-1", AggregateType: AggregateRelation, Payload: json.RawMessage(`{}`), Version: 2},
	}

	state, err := FoldRelation(history, 0)
	if err != nil {
		t.Fatalf("FoldRelation failed: %v", err)
	}
	if state.SourceID != "c-1" || state.TargetID != "c-2" || state.Kind != "depends_on" {
		t.Fatalf("unexpected relation state: %+v", state)
	}
}

func TestCompensatingClassification(t *testing.T) {
	for _, typ := range []string{TypeConceptRetracted, TypeConceptReverted, TypeConceptRestored, TypeRelationRetracted, TypeRelationRestored} {
		if !Compensating(typ) {
			t.Fatalf("%s should be compensating", typ)
		}
	}
	for _, typ := range []string{TypeConceptCreated, TypeConceptUpdated, TypeConceptDeleted, TypeRelationCreated, TypeRelationDeleted} {
		if Compensating(typ) {
			t.Fatalf("%s should not be compensating", typ)
		}
	}
	if Known("memory.concept.renamed.v1") {
		t.Fatal("unknown event type should not be known")
	}
}
