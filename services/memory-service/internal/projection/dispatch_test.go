package projection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/knowd-io/knowd/services/memory-service/internal/event"
)

type recordingProjection struct {
	name    string
	applied []string
	err     error
}

func (p *recordingProjection) Name() string { return p.name }

func (p *recordingProjection) Apply(ctx context.Context, evt event.Event) error {
	p.applied = append(p.applied, evt.EventID)
	return p.err
}

func (p *recordingProjection) ListLiveEntityIDs(ctx context.Context) (map[string]struct{}, error) {
	return nil, nil
}

func (p *recordingProjection) EntitySummary(ctx context.Context, id string) (Summary, bool, error) {
	return Summary{}, false, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherRoutesByName(t *testing.T) {
	g := &recordingProjection{name: Graph}
	v := &recordingProjection{name: Vector}
	d := NewDispatcher(testLogger(), g, v)

	evt := event.Event{EventID: "ev-1", EventType: event.TypeConceptCreated}
	if err := d.Apply(context.Background(), Graph, evt); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(g.applied) != 1 || len(v.applied) != 0 {
		t.Fatalf("event routed wrong: graph=%v vector=%v", g.applied, v.applied)
	}
}

func TestDispatcherUnknownProjection(t *testing.T) {
	d := NewDispatcher(testLogger(), &recordingProjection{name: Graph})

	err := d.Apply(context.Background(), "search", event.Event{EventID: "ev-1", EventType: event.TypeConceptCreated})
	if err == nil {
		t.Fatal("expected error for unregistered projection")
	}
}

func TestDispatcherSkipsUnknownEventType(t *testing.T) {
	g := &recordingProjection{name: Graph}
	d := NewDispatcher(testLogger(), g)

	evt := event.Event{EventID: "ev-1", EventType: "memory.concept.renamed.v1"}
	if err := d.Apply(context.Background(), Graph, evt); err != nil {
		t.Fatalf("unknown event type must be skipped, not fatal: %v", err)
	}
	if len(g.applied) != 0 {
		t.Fatalf("unknown event type must not reach the projection, got %v", g.applied)
	}
}

func TestDispatcherPropagatesApplyError(t *testing.T) {
	wantErr := errors.New("store down")
	g := &recordingProjection{name: Graph, err: wantErr}
	d := NewDispatcher(testLogger(), g)

	err := d.Apply(context.Background(), Graph, event.Event{EventID: "ev-1", EventType: event.TypeConceptCreated})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected apply error to propagate, got %v", err)
	}
}

func TestRequired(t *testing.T) {
	for _, typ := range []string{event.TypeConceptCreated, event.TypeConceptUpdated, event.TypeConceptDeleted, event.TypeConceptRetracted} {
		got := Required(typ)
		if len(got) != 2 {
			t.Fatalf("%s should fan out to both stores, got %v", typ, got)
		}
	}
	for _, typ := range []string{event.TypeRelationCreated, event.TypeRelationDeleted, event.TypeRelationRetracted} {
		got := Required(typ)
		if len(got) != 1 || got[0] != Graph {
			t.Fatalf("%s should only reach the graph, got %v", typ, got)
		}
	}
}
