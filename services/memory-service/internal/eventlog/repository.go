package eventlog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/knowd-io/knowd/libs/db"
	otelx "github.com/knowd-io/knowd/libs/otel"
	"github.com/knowd-io/knowd/services/memory-service/internal/event"
)

// ErrVersionConflict means another writer appended the same (aggregate_id,
// version) first. The caller must reload the current version and retry.
var ErrVersionConflict = errors.New("event version conflict")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append writes one immutable event inside the caller's transaction. The
// unique index on (aggregate_id, version) is the sole optimistic-concurrency
// gate for the log.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, evt *event.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	err := tx.QueryRow(ctx, `
		INSERT INTO events (event_id, event_type, aggregate_id, aggregate_type, payload, metadata, version, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, evt.EventID, evt.EventType, evt.AggregateID, evt.AggregateType, evt.Payload, evt.Metadata, evt.Version,
		traceparent, tracestate).Scan(&evt.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrVersionConflict
		}
		return err
	}
	return nil
}

// CurrentVersion returns 0 for an aggregate with no events yet.
func (r *Repository) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var v int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1
	`, aggregateID).Scan(&v)
	return v, err
}

func (r *Repository) GetByEventID(ctx context.Context, eventID string) (event.Event, error) {
	var e event.Event
	err := r.pool.QueryRow(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type, payload, metadata, version, created_at
		FROM events
		WHERE event_id = $1
	`, eventID).Scan(&e.EventID, &e.EventType, &e.AggregateID, &e.AggregateType, &e.Payload, &e.Metadata, &e.Version, &e.CreatedAt)
	return e, err
}

// ListByAggregate returns the full history of one aggregate in ascending
// version order, suitable for replay into a fresh read model.
func (r *Repository) ListByAggregate(ctx context.Context, aggregateID string) ([]event.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type, payload, metadata, version, created_at
		FROM events
		WHERE aggregate_id = $1
		ORDER BY version
	`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *Repository) ListByType(ctx context.Context, eventType string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type, payload, metadata, version, created_at
		FROM events
		WHERE event_type = $1
		ORDER BY id
		LIMIT $2
	`, eventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListAggregateIDs enumerates distinct aggregates of one type, for replay.
func (r *Repository) ListAggregateIDs(ctx context.Context, aggregateType string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT aggregate_id FROM events WHERE aggregate_type = $1
	`, aggregateType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByType returns event counts keyed by event_type, for the stats endpoint.
func (r *Repository) CountByType(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_type, COUNT(*) FROM events GROUP BY event_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var e event.Event
		if err := rows.Scan(&e.EventID, &e.EventType, &e.AggregateID, &e.AggregateType, &e.Payload, &e.Metadata, &e.Version, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}
