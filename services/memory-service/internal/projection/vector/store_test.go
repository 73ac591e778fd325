package vector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/knowd-io/knowd/services/memory-service/internal/event"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb)
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

func TestApplyCreateThenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := conceptEvent(t, event.TypeConceptCreated, "c-1", 1, event.ConceptPayload{Name: "raft", Kind: "protocol"})
	update := conceptEvent(t, event.TypeConceptUpdated, "c-1", 2, event.ConceptPayload{Summary: "leader election"})
	for _, evt := range []event.Event{create, update} {
		if err := s.Apply(ctx, evt); err != nil {
			t.Fatalf("Apply v%d failed: %v", evt.Version, err)
		}
	}

	summary, found, err := s.EntitySummary(ctx, "c-1")
	if err != nil || !found {
		t.Fatalf("EntitySummary = %v, found %v, err %v", summary, found, err)
	}
	if summary.Name != "raft" || summary.Kind != "protocol" || summary.Version != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	live, err := s.ListLiveEntityIDs(ctx)
	if err != nil {
		t.Fatalf("ListLiveEntityIDs failed: %v", err)
	}
	if _, ok := live["c-1"]; !ok {
		t.Fatal("created concept must be in the live set")
	}
}

func TestApplyRedeliveryBelowWatermarkSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := conceptEvent(t, event.TypeConceptCreated, "c-1", 1, event.ConceptPayload{Name: "raft"})
	del := conceptEvent(t, event.TypeConceptDeleted, "c-1", 2, event.ConceptPayload{})
	for _, evt := range []event.Event{create, del} {
		if err := s.Apply(ctx, evt); err != nil {
			t.Fatalf("Apply v%d failed: %v", evt.Version, err)
		}
	}

	// A redelivered create below the watermark must not resurrect the
	// tombstoned concept.
	if err := s.Apply(ctx, create); err != nil {
		t.Fatalf("redelivered Apply failed: %v", err)
	}
	if _, found, _ := s.EntitySummary(ctx, "c-1"); found {
		t.Fatal("tombstoned concept must stay gone after redelivery")
	}
	live, err := s.ListLiveEntityIDs(ctx)
	if err != nil {
		t.Fatalf("ListLiveEntityIDs failed: %v", err)
	}
	if _, ok := live["c-1"]; ok {
		t.Fatal("tombstoned concept must not reappear in the live set")
	}
}

func TestApplyUpdateUnknownConceptFails(t *testing.T) {
	s := newTestStore(t)
	evt := conceptEvent(t, event.TypeConceptUpdated, "c-missing", 2, event.ConceptPayload{Name: "x"})
	if err := s.Apply(context.Background(), evt); err == nil {
		t.Fatal("updating an unknown concept must fail")
	}
}

func TestNearestRanksByCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []struct {
		id        string
		embedding []float32
	}{
		{"c-1", []float32{1, 0}},
		{"c-2", []float32{0, 1}},
		{"c-3", nil}, // no embedding, skipped by search
	} {
		evt := conceptEvent(t, event.TypeConceptCreated, c.id, 1, event.ConceptPayload{Name: c.id, Embedding: c.embedding})
		if err := s.Apply(ctx, evt); err != nil {
			t.Fatalf("Apply %s failed: %v", c.id, err)
		}
	}

	matches, err := s.Nearest(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %v", matches)
	}
	if matches[0].ID != "c-1" || matches[1].ID != "c-2" {
		t.Fatalf("unexpected ranking %v", matches)
	}
	if matches[0].Score <= matches[1].Score {
		t.Fatalf("scores not descending: %v", matches)
	}
}
