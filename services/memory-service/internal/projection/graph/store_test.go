package graph

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/knowd-io/knowd/services/memory-service/internal/event"
)

// fakeConn answers the store's queries from in-memory tables, returning
// responses in the same statement-list shape the server uses.
type fakeConn struct {
	concepts  map[string]map[string]any
	relations map[string]map[string]any
	queries   []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		concepts:  map[string]map[string]any{},
		relations: map[string]map[string]any{},
	}
}

func (f *fakeConn) Close() {}

func (f *fakeConn) Query(sql string, vars map[string]any) (any, error) {
	f.queries = append(f.queries, sql)
	switch {
	case strings.HasPrefix(sql, "SELECT * FROM type::thing('concept'"):
		id, _ := vars["id"].(string)
		if rec, found := f.concepts[id]; found {
			return okStatements([]any{rec}), nil
		}
		return okStatements([]any{}), nil
	case strings.HasPrefix(sql, "SELECT * FROM type::thing('relation'"):
		id, _ := vars["id"].(string)
		if rec, found := f.relations[id]; found {
			return okStatements([]any{rec}), nil
		}
		return okStatements([]any{}), nil
	case strings.HasPrefix(sql, "UPDATE type::thing('concept'"):
		id, _ := vars["id"].(string)
		f.concepts[id] = toRow(vars["data"])
		return okStatements([]any{f.concepts[id]}), nil
	case strings.HasPrefix(sql, "UPDATE type::thing('relation'"):
		id, _ := vars["id"].(string)
		f.relations[id] = toRow(vars["data"])
		return okStatements([]any{f.relations[id]}), nil
	case strings.HasPrefix(sql, "SELECT id FROM concept"):
		var rows []any
		for id, rec := range f.concepts {
			if live, _ := rec["live"].(bool); live {
				rows = append(rows, map[string]any{"id": "concept:" + id})
			}
		}
		return okStatements(rows), nil
	case strings.Contains(sql, "RELATE"):
		return okStatements([]any{}, []any{}), nil
	default:
		return okStatements([]any{}), nil
	}
}

func okStatements(results ...any) any {
	out := make([]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{"status": "OK", "result": r})
	}
	return out
}

func toRow(v any) map[string]any {
	b, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func conceptEvent(t *testing.T, eventType, id string, version int64, p event.ConceptPayload) event.Event {
	t.Helper()
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Event{
		EventID:       "ev-" + id,
		EventType:     eventType,
		AggregateID:   id,
		AggregateType: event.AggregateConcept,
		Payload:       payload,
		Version:       version,
	}
}

func countPrefix(queries []string, prefix string) int {
	n := 0
	for _, q := range queries {
		if strings.HasPrefix(q, prefix) {
			n++
		}
	}
	return n
}

func TestApplyCreateRedeliveryIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	s := &Store{conn: conn}
	evt := conceptEvent(t, event.TypeConceptCreated, "c-1", 1, event.ConceptPayload{Name: "raft", Kind: "protocol"})

	if err := s.Apply(context.Background(), evt); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := s.Apply(context.Background(), evt); err != nil {
		t.Fatalf("redelivered Apply failed: %v", err)
	}
	if got := countPrefix(conn.queries, "UPDATE type::thing('concept'"); got != 1 {
		t.Fatalf("redelivery must not write again, got %d writes", got)
	}
	rec := conn.concepts["c-1"]
	if rec["name"] != "raft" || rec["version"].(float64) != 1 || rec["live"] != true {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestApplyStaleVersionSkipped(t *testing.T) {
	conn := newFakeConn()
	s := &Store{conn: conn}

	for _, evt := range []event.Event{
		conceptEvent(t, event.TypeConceptCreated, "c-1", 1, event.ConceptPayload{Name: "raft", Kind: "protocol"}),
		conceptEvent(t, event.TypeConceptUpdated, "c-1", 3, event.ConceptPayload{Summary: "leader election"}),
	} {
		if err := s.Apply(context.Background(), evt); err != nil {
			t.Fatalf("Apply v%d failed: %v", evt.Version, err)
		}
	}

	// Out-of-order redelivery of the middle version changes nothing.
	stale := conceptEvent(t, event.TypeConceptUpdated, "c-1", 2, event.ConceptPayload{Summary: "stale"})
	if err := s.Apply(context.Background(), stale); err != nil {
		t.Fatalf("stale Apply failed: %v", err)
	}
	rec := conn.concepts["c-1"]
	if rec["summary"] != "leader election" || rec["version"].(float64) != 3 {
		t.Fatalf("stale event must not win, got %v", rec)
	}
}

func TestApplyUpdateUnknownConceptFails(t *testing.T) {
	s := &Store{conn: newFakeConn()}
	evt := conceptEvent(t, event.TypeConceptUpdated, "c-missing", 2, event.ConceptPayload{Name: "x"})
	if err := s.Apply(context.Background(), evt); err == nil {
		t.Fatal("updating an unknown concept must fail")
	}
}

func TestApplyDeleteTombstonesConcept(t *testing.T) {
	conn := newFakeConn()
	s := &Store{conn: conn}

	create := conceptEvent(t, event.TypeConceptCreated, "c-1", 1, event.ConceptPayload{Name: "raft"})
	del := conceptEvent(t, event.TypeConceptDeleted, "c-1", 2, event.ConceptPayload{})
	for _, evt := range []event.Event{create, del} {
		if err := s.Apply(context.Background(), evt); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}

	rec := conn.concepts["c-1"]
	if rec["live"] != false || rec["version"].(float64) != 2 {
		t.Fatalf("delete should tombstone at version 2, got %v", rec)
	}
	live, err := s.ListLiveEntityIDs(context.Background())
	if err != nil {
		t.Fatalf("ListLiveEntityIDs failed: %v", err)
	}
	if _, found := live["c-1"]; found {
		t.Fatal("tombstoned concept must not be listed live")
	}
	if _, found, _ := s.EntitySummary(context.Background(), "c-1"); found {
		t.Fatal("tombstoned concept must have no summary")
	}
}

func TestApplyRelationWritesEdgeOnce(t *testing.T) {
	conn := newFakeConn()
	s := &Store{conn: conn}
	payload, _ := json.Marshal(event.RelationPayload{SourceID: "c-1", TargetID: "c-2", Kind: "depends_on", Weight: 0.8})
	evt := event.Event{
		EventID:       "ev-r1",
		EventType:     event.TypeRelationCreated,
		AggregateID:   "r-1",
		AggregateType: event.AggregateRelation,
		Payload:       payload,
		Version:       1,
	}

	if err := s.Apply(context.Background(), evt); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := s.Apply(context.Background(), evt); err != nil {
		t.Fatalf("redelivered Apply failed: %v", err)
	}

	edges := 0
	for _, q := range conn.queries {
		if strings.Contains(q, "RELATE") {
			edges++
		}
	}
	if edges != 1 {
		t.Fatalf("redelivery must not relate again, got %d edge writes", edges)
	}
	rec := conn.relations["r-1"]
	if rec["source_id"] != "c-1" || rec["target_id"] != "c-2" || rec["live"] != true {
		t.Fatalf("unexpected relation record %v", rec)
	}
}
