package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	otelx "github.com/knowd-io/knowd/libs/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WorkerClaims is the claim surface the background worker needs.
type WorkerClaims interface {
	ClaimBatch(ctx context.Context, projectionName string, limit int, owner string) ([]Entry, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, owner, cause string) (Entry, error)
	Release(ctx context.Context, id int64) error
}

// TerminalHandler is invoked when an entry reaches terminal failed status,
// so the write path can start compensation for the event's sibling
// deliveries.
type TerminalHandler func(ctx context.Context, entry Entry)

// Worker drains one projection's outbox entries in the background. The
// inline dispatch path and this loop share the same lease-based claim, so an
// entry is only ever delivered by one of them at a time.
type Worker struct {
	claims     WorkerClaims
	apply      ApplyFunc
	onTerminal TerminalHandler
	logger     *slog.Logger
	projection string
	owner      string
	interval   time.Duration
	batchSize  int
}

type WorkerConfig struct {
	Projection string
	Interval   time.Duration
	BatchSize  int
}

func NewWorker(claims WorkerClaims, apply ApplyFunc, onTerminal TerminalHandler, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Worker{
		claims:     claims,
		apply:      apply,
		onTerminal: onTerminal,
		logger:     logger.With("projection", cfg.Projection),
		projection: cfg.Projection,
		owner:      uuid.NewString(),
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
	}
}

// Run polls until ctx is canceled. Shutdown stops claiming new batches;
// entries already claimed are either finished or released back to pending,
// never left in_progress past their lease.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("outbox batch failed", "err", err)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	entries, err := w.claims.ClaimBatch(ctx, w.projection, w.batchSize, w.owner)
	if err != nil {
		return err
	}

	for i, entry := range entries {
		if ctx.Err() != nil {
			w.release(entries[i:])
			return ctx.Err()
		}
		w.deliver(ctx, entry)
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, entry Entry) {
	msgCtx := otelx.ContextWithTraceContext(ctx, entry.Traceparent, entry.Tracestate)
	spanCtx, span := otel.Tracer("outbox").Start(msgCtx, "outbox.deliver",
		trace.WithAttributes(
			attribute.String("projection", entry.ProjectionName),
			attribute.String("event_id", entry.EventID),
		),
	)
	defer span.End()

	if entry.Event == nil {
		w.fail(spanCtx, entry, "event row missing")
		return
	}

	if err := w.apply(spanCtx, entry.ProjectionName, *entry.Event); err != nil {
		span.RecordError(err)
		w.fail(spanCtx, entry, err.Error())
		return
	}

	if err := w.claims.MarkProcessed(spanCtx, entry.ID); err != nil {
		w.logger.Error("mark processed failed", "err", err, "entry_id", entry.EntryID)
	}
}

func (w *Worker) fail(ctx context.Context, entry Entry, cause string) {
	updated, err := w.claims.MarkFailed(ctx, entry.ID, w.owner, cause)
	if err != nil {
		if errors.Is(err, ErrClaimLost) {
			w.logger.Warn("lease taken over mid-delivery", "entry_id", entry.EntryID)
			return
		}
		w.logger.Error("mark failed failed", "err", err, "entry_id", entry.EntryID)
		return
	}
	if updated.Status == StatusFailed {
		w.logger.Error("outbox entry exhausted retries",
			"entry_id", entry.EntryID,
			"event_id", entry.EventID,
			"attempts", updated.Attempts,
			"cause", cause,
		)
		if w.onTerminal != nil {
			w.onTerminal(ctx, updated)
		}
		return
	}
	w.logger.Warn("outbox delivery failed, will retry",
		"entry_id", entry.EntryID,
		"event_id", entry.EventID,
		"attempts", updated.Attempts,
		"cause", cause,
	)
}

func (w *Worker) release(entries []Entry) {
	// Shutdown path: give unfinished claims back before the lease would
	// have expired on its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, entry := range entries {
		if err := w.claims.Release(ctx, entry.ID); err != nil {
			w.logger.Error("release claim failed", "err", err, "entry_id", entry.EntryID)
		}
	}
}
