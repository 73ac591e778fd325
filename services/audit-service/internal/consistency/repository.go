package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/knowd-io/knowd/libs/db"
)

var ErrNoSnapshot = errors.New("no consistency snapshot recorded")

// Repository persists check outcomes so operators can inspect drift over
// time without re-running the comparison.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func Migrate(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS consistency_snapshots (
			id             BIGSERIAL PRIMARY KEY,
			snapshot_id    UUID NOT NULL UNIQUE,
			status         TEXT NOT NULL,
			graph_count    INT NOT NULL,
			vector_count   INT NOT NULL,
			discrepancies  JSONB NOT NULL DEFAULT '[]'::jsonb,
			started_at     TIMESTAMPTZ NOT NULL,
			finished_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_consistency_snapshots_finished
			ON consistency_snapshots (finished_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate consistency_snapshots: %w", err)
	}
	return nil
}

func (r *Repository) Save(ctx context.Context, snap Snapshot) error {
	discrepancies, err := json.Marshal(snap.Discrepancies)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO consistency_snapshots
			(snapshot_id, status, graph_count, vector_count, discrepancies, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.SnapshotID, snap.Status, snap.GraphCount, snap.VectorCount, discrepancies, snap.StartedAt, snap.FinishedAt,
	)
	return err
}

func (r *Repository) Latest(ctx context.Context) (Snapshot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT snapshot_id, status, graph_count, vector_count, discrepancies, started_at, finished_at
		FROM consistency_snapshots
		ORDER BY finished_at DESC
		LIMIT 1`,
	)
	return scanSnapshot(row)
}

func (r *Repository) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT snapshot_id, status, graph_count, vector_count, discrepancies, started_at, finished_at
		FROM consistency_snapshots
		ORDER BY finished_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var snap Snapshot
	var discrepancies []byte
	err := row.Scan(&snap.SnapshotID, &snap.Status, &snap.GraphCount, &snap.VectorCount, &discrepancies, &snap.StartedAt, &snap.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(discrepancies, &snap.Discrepancies); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
