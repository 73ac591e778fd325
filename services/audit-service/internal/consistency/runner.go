package consistency

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Runner executes checks on a schedule and persists every snapshot. The
// HTTP trigger shares RunOnce, so scheduled and on-demand runs record the
// same way.
type Runner struct {
	checker  *Checker
	repo     *Repository
	logger   *slog.Logger
	interval time.Duration
}

func NewRunner(checker *Checker, repo *Repository, logger *slog.Logger, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Runner{checker: checker, repo: repo, logger: logger, interval: interval}
}

func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("consistency runner starting", "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("consistency runner stopping")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("scheduled consistency check failed", "err", err)
			}
		}
	}
}

func (r *Runner) RunOnce(ctx context.Context) (Snapshot, error) {
	ctx, span := otel.Tracer("consistency").Start(ctx, "consistency.check")
	defer span.End()

	snap, err := r.checker.Check(ctx)
	if err != nil {
		span.RecordError(err)
		return Snapshot{}, err
	}
	span.SetAttributes(
		attribute.String("consistency.status", snap.Status),
		attribute.Int("consistency.discrepancies", len(snap.Discrepancies)),
	)
	if err := r.repo.Save(ctx, snap); err != nil {
		span.RecordError(err)
		return Snapshot{}, err
	}
	r.logger.Info("consistency check recorded",
		"snapshot_id", snap.SnapshotID,
		"status", snap.Status,
		"graph_count", snap.GraphCount,
		"vector_count", snap.VectorCount,
		"discrepancies", len(snap.Discrepancies),
		"took", snap.FinishedAt.Sub(snap.StartedAt).String(),
	)
	return snap, nil
}

// Latest exposes the most recent snapshot for the read API.
func (r *Runner) Latest(ctx context.Context) (Snapshot, error) {
	return r.repo.Latest(ctx)
}

// History lists recent snapshots, newest first.
func (r *Runner) History(ctx context.Context, limit int) ([]Snapshot, error) {
	return r.repo.List(ctx, limit)
}
