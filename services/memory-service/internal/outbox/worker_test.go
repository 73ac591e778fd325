package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/knowd-io/knowd/services/memory-service/internal/event"
)

type fakeWorkerClaims struct {
	entries  map[int64]*Entry
	released []int64
}

func newFakeWorkerClaims(projection string, n int) *fakeWorkerClaims {
	f := &fakeWorkerClaims{entries: map[int64]*Entry{}}
	for i := 1; i <= n; i++ {
		id := int64(i)
		f.entries[id] = &Entry{
			ID:             id,
			EventID:        "ev-1",
			ProjectionName: projection,
			Status:         StatusPending,
			MaxAttempts:    2,
			NextAttemptAt:  time.Now(),
			Event:          &event.Event{EventID: "ev-1", EventType: event.TypeConceptCreated, AggregateID: "c-1", Version: 1},
		}
	}
	return f
}

func (f *fakeWorkerClaims) ClaimBatch(ctx context.Context, projectionName string, limit int, owner string) ([]Entry, error) {
	var claimed []Entry
	for _, e := range f.entries {
		if len(claimed) >= limit {
			break
		}
		if e.ProjectionName != projectionName || e.Status != StatusPending || e.NextAttemptAt.After(time.Now()) {
			continue
		}
		e.Status = StatusInProgress
		e.ClaimedBy = &owner
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (f *fakeWorkerClaims) MarkProcessed(ctx context.Context, id int64) error {
	f.entries[id].Status = StatusProcessed
	return nil
}

func (f *fakeWorkerClaims) MarkFailed(ctx context.Context, id int64, owner, cause string) (Entry, error) {
	e := f.entries[id]
	if e.Status != StatusInProgress || e.ClaimedBy == nil || *e.ClaimedBy != owner {
		return Entry{}, ErrClaimLost
	}
	e.Attempts++
	e.LastError = cause
	e.ClaimedBy = nil
	if e.Attempts >= e.MaxAttempts {
		e.Status = StatusFailed
	} else {
		e.Status = StatusPending
		e.NextAttemptAt = time.Now()
	}
	return *e, nil
}

func (f *fakeWorkerClaims) Release(ctx context.Context, id int64) error {
	f.entries[id].Status = StatusPending
	f.released = append(f.released, id)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerProcessesBatch(t *testing.T) {
	claims := newFakeWorkerClaims("graph", 3)
	apply := func(ctx context.Context, projection string, evt event.Event) error { return nil }
	w := NewWorker(claims, apply, nil, discardLogger(), WorkerConfig{Projection: "graph"})

	if err := w.processBatch(context.Background()); err != nil {
		t.Fatalf("processBatch failed: %v", err)
	}
	for id, e := range claims.entries {
		if e.Status != StatusProcessed {
			t.Fatalf("entry %d status = %s, want processed", id, e.Status)
		}
	}
}

func TestWorkerRetriesThenFailsTerminally(t *testing.T) {
	claims := newFakeWorkerClaims("graph", 1)
	apply := func(ctx context.Context, projection string, evt event.Event) error {
		return errors.New("store down")
	}
	var terminal []Entry
	onTerminal := func(ctx context.Context, entry Entry) { terminal = append(terminal, entry) }
	w := NewWorker(claims, apply, onTerminal, discardLogger(), WorkerConfig{Projection: "graph"})

	// First batch: attempt 1 of 2, entry goes back to pending.
	if err := w.processBatch(context.Background()); err != nil {
		t.Fatalf("processBatch failed: %v", err)
	}
	if claims.entries[1].Status != StatusPending {
		t.Fatalf("entry should be pending after first failure, got %s", claims.entries[1].Status)
	}
	if len(terminal) != 0 {
		t.Fatal("terminal handler must not fire before retries are exhausted")
	}

	// Second batch exhausts the attempts.
	if err := w.processBatch(context.Background()); err != nil {
		t.Fatalf("processBatch failed: %v", err)
	}
	if claims.entries[1].Status != StatusFailed {
		t.Fatalf("entry should be failed, got %s", claims.entries[1].Status)
	}
	if len(terminal) != 1 || terminal[0].ID != 1 {
		t.Fatalf("terminal handler should fire once for entry 1, got %v", terminal)
	}
}

func TestWorkerLeaseTakeoverSkipsAttemptCount(t *testing.T) {
	claims := newFakeWorkerClaims("graph", 1)
	other := "other-claimant"
	apply := func(ctx context.Context, projection string, evt event.Event) error {
		// Lease expires mid-delivery and another claimant takes the entry.
		claims.entries[1].ClaimedBy = &other
		return errors.New("store down")
	}
	var terminal []Entry
	onTerminal := func(ctx context.Context, entry Entry) { terminal = append(terminal, entry) }
	w := NewWorker(claims, apply, onTerminal, discardLogger(), WorkerConfig{Projection: "graph"})

	if err := w.processBatch(context.Background()); err != nil {
		t.Fatalf("processBatch failed: %v", err)
	}
	if got := claims.entries[1].Attempts; got != 0 {
		t.Fatalf("stale owner must not count an attempt, got %d", got)
	}
	if len(terminal) != 0 {
		t.Fatalf("terminal handler must not fire for a lost claim, got %v", terminal)
	}
}

func TestWorkerReleasesClaimsOnShutdown(t *testing.T) {
	claims := newFakeWorkerClaims("graph", 3)
	ctx, cancel := context.WithCancel(context.Background())
	apply := func(applyCtx context.Context, projection string, evt event.Event) error {
		cancel() // shut down mid-batch
		return nil
	}
	w := NewWorker(claims, apply, nil, discardLogger(), WorkerConfig{Projection: "graph"})

	err := w.processBatch(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	processed := 0
	for _, e := range claims.entries {
		if e.Status == StatusProcessed {
			processed++
		}
	}
	if processed != 1 {
		t.Fatalf("exactly the in-flight entry should finish, got %d processed", processed)
	}
	if len(claims.released) != 2 {
		t.Fatalf("remaining claims should be released, got %v", claims.released)
	}
}
