package consistency

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/knowd-io/knowd/services/audit-service/internal/readmodel"
)

type fakeModel struct {
	name      string
	summaries map[string]readmodel.Summary
}

func (f *fakeModel) Name() string { return f.name }

func (f *fakeModel) ListLiveEntityIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{}, len(f.summaries))
	for id := range f.summaries {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (f *fakeModel) EntitySummary(ctx context.Context, id string) (readmodel.Summary, bool, error) {
	s, found := f.summaries[id]
	return s, found, nil
}

func newTestChecker(graph, vector map[string]readmodel.Summary) *Checker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChecker(
		&fakeModel{name: "graph", summaries: graph},
		&fakeModel{name: "vector", summaries: vector},
		logger,
	)
}

func summary(id, name, kind string, version int64) readmodel.Summary {
	return readmodel.Summary{ID: id, Name: name, Kind: kind, Version: version}
}

func TestCheckConsistent(t *testing.T) {
	graph := map[string]readmodel.Summary{
		"c-1": summary("c-1", "raft", "protocol", 2),
		"c-2": summary("c-2", "paxos", "protocol", 1),
	}
	vector := map[string]readmodel.Summary{
		"c-1": summary("c-1", "raft", "protocol", 2),
		"c-2": summary("c-2", "paxos", "protocol", 1),
	}

	snap, err := newTestChecker(graph, vector).Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if snap.Status != StatusConsistent {
		t.Fatalf("status = %s, want consistent; discrepancies %v", snap.Status, snap.Discrepancies)
	}
	if snap.GraphCount != 2 || snap.VectorCount != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", snap.GraphCount, snap.VectorCount)
	}
	if snap.SnapshotID == "" || snap.FinishedAt.Before(snap.StartedAt) {
		t.Fatalf("snapshot bookkeeping wrong: %+v", snap)
	}
}

func TestCheckMissingEntities(t *testing.T) {
	graph := map[string]readmodel.Summary{
		"c-1": summary("c-1", "raft", "protocol", 1),
		"c-2": summary("c-2", "paxos", "protocol", 1),
	}
	vector := map[string]readmodel.Summary{
		"c-1": summary("c-1", "raft", "protocol", 1),
		"c-3": summary("c-3", "zab", "protocol", 1),
	}

	snap, err := newTestChecker(graph, vector).Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if snap.Status != StatusInconsistent {
		t.Fatalf("status = %s, want inconsistent", snap.Status)
	}
	if len(snap.Discrepancies) != 2 {
		t.Fatalf("expected 2 discrepancies, got %v", snap.Discrepancies)
	}
	byEntity := map[string]Discrepancy{}
	for _, d := range snap.Discrepancies {
		byEntity[d.EntityID] = d
	}
	if d := byEntity["c-2"]; d.Kind != KindMissing || d.Store != "vector" {
		t.Fatalf("c-2 should be missing in vector, got %+v", d)
	}
	if d := byEntity["c-3"]; d.Kind != KindMissing || d.Store != "graph" {
		t.Fatalf("c-3 should be missing in graph, got %+v", d)
	}
	if snap.GraphCount != 2 || snap.VectorCount != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", snap.GraphCount, snap.VectorCount)
	}
}

func TestCheckFieldMismatch(t *testing.T) {
	graph := map[string]readmodel.Summary{
		"c-1": summary("c-1", "raft", "protocol", 2),
	}
	vector := map[string]readmodel.Summary{
		"c-1": summary("c-1", "raft", "protocol", 1),
	}

	snap, err := newTestChecker(graph, vector).Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if snap.Status != StatusInconsistent {
		t.Fatalf("status = %s, want inconsistent", snap.Status)
	}
	if len(snap.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %v", snap.Discrepancies)
	}
	d := snap.Discrepancies[0]
	if d.Kind != KindMismatch || d.EntityID != "c-1" || d.Detail != "version differs" {
		t.Fatalf("unexpected discrepancy: %+v", d)
	}
}

func TestCheckNameMismatch(t *testing.T) {
	graph := map[string]readmodel.Summary{
		"c-1": summary("c-1", "raft", "protocol", 1),
	}
	vector := map[string]readmodel.Summary{
		"c-1": summary("c-1", "multi-paxos", "protocol", 1),
	}

	snap, err := newTestChecker(graph, vector).Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(snap.Discrepancies) != 1 || snap.Discrepancies[0].Detail != "name differs" {
		t.Fatalf("unexpected discrepancies: %v", snap.Discrepancies)
	}
}

func TestCheckEmptyStores(t *testing.T) {
	snap, err := newTestChecker(map[string]readmodel.Summary{}, map[string]readmodel.Summary{}).Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if snap.Status != StatusConsistent || snap.GraphCount != 0 || snap.VectorCount != 0 {
		t.Fatalf("empty stores should be consistent: %+v", snap)
	}
}
