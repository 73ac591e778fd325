package outbox

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knowd-io/knowd/libs/db"
	"github.com/knowd-io/knowd/services/memory-service/internal/event"
)

// ErrClaimLost means the entry is no longer held by the caller: its lease
// expired and another claimant took it over. The entry's attempt counter
// belongs to the new owner now.
var ErrClaimLost = errors.New("outbox claim lost")

// Retry and lease defaults. DefaultBackoffBase is sized so that a delivery
// exhausting all DefaultMaxAttempts retries still fits inside the write
// path's default inline window.
const (
	DefaultMaxAttempts = 5
	DefaultLease       = 30 * time.Second
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultBackoffCap  = 5 * time.Minute
)

type Repository struct {
	pool        *db.Pool
	maxAttempts int
	lease       time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
}

type RepositoryConfig struct {
	MaxAttempts int
	Lease       time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func NewRepository(pool *db.Pool, cfg RepositoryConfig) *Repository {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	return &Repository{
		pool:        pool,
		maxAttempts: cfg.MaxAttempts,
		lease:       cfg.Lease,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
	}
}

// Enqueue creates one pending entry inside the caller's transaction, the
// same transaction that appends the triggering event. An event requiring a
// projection can therefore never exist without its outbox row.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, eventID, projectionName string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_entries (entry_id, event_id, projection_name, status, max_attempts, next_attempt_at)
		VALUES ($1, $2, $3, 'pending', $4, now())
	`, uuid.NewString(), eventID, projectionName, r.maxAttempts)
	return err
}

const claimColumns = `o.id, o.entry_id, o.event_id, o.projection_name, o.status, o.attempts, o.max_attempts, o.next_attempt_at, o.claimed_by, o.lease_expires_at, o.last_error, o.created_at, o.updated_at`

// ClaimBatch atomically moves due entries for one projection to in_progress
// under a lease. A claim also takes over in_progress entries whose lease
// expired, so work left behind by a crashed worker is reclaimed. Entries
// whose aggregate still has an earlier undelivered entry for the same
// projection are skipped to preserve per-aggregate version order.
func (r *Repository) ClaimBatch(ctx context.Context, projectionName string, limit int, owner string) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	leaseUntil := time.Now().UTC().Add(r.lease)
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox_entries o
		SET status = 'in_progress', claimed_by = $3, lease_expires_at = $4, updated_at = now()
		FROM (
			SELECT o2.id
			FROM outbox_entries o2
			JOIN events e ON e.event_id = o2.event_id
			WHERE o2.projection_name = $1
			  AND (
			    (o2.status = 'pending' AND o2.next_attempt_at <= now())
			    OR (o2.status = 'in_progress' AND o2.lease_expires_at < now())
			  )
			  AND NOT EXISTS (
			    SELECT 1
			    FROM outbox_entries o3
			    JOIN events e3 ON e3.event_id = o3.event_id
			    WHERE o3.projection_name = o2.projection_name
			      AND e3.aggregate_id = e.aggregate_id
			      AND e3.version < e.version
			      AND o3.status IN ('pending', 'in_progress')
			      AND o3.id <> o2.id
			  )
			ORDER BY e.aggregate_id, e.version
			LIMIT $2
			FOR UPDATE OF o2 SKIP LOCKED
		) due
		WHERE o.id = due.id
		RETURNING `+claimColumns, projectionName, limit, owner, leaseUntil)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return r.attachEvents(ctx, entries)
}

// ClaimForEvent claims the still-pending entries of a single event. The
// write orchestrator uses it for inline dispatch; because it goes through
// the same status transition as ClaimBatch, inline and background delivery
// can never double-apply one entry. It carries the same earlier-undelivered
// guard as ClaimBatch: an entry stays queued while its aggregate has an
// older event waiting on the same projection, so inline dispatch cannot
// jump a version still in retry backoff.
func (r *Repository) ClaimForEvent(ctx context.Context, eventID string, owner string) ([]Entry, error) {
	leaseUntil := time.Now().UTC().Add(r.lease)
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox_entries o
		SET status = 'in_progress', claimed_by = $2, lease_expires_at = $3, updated_at = now()
		FROM (
			SELECT o2.id
			FROM outbox_entries o2
			JOIN events e ON e.event_id = o2.event_id
			WHERE o2.event_id = $1 AND o2.status = 'pending' AND o2.next_attempt_at <= now()
			  AND NOT EXISTS (
			    SELECT 1
			    FROM outbox_entries o3
			    JOIN events e3 ON e3.event_id = o3.event_id
			    WHERE o3.projection_name = o2.projection_name
			      AND e3.aggregate_id = e.aggregate_id
			      AND e3.version < e.version
			      AND o3.status IN ('pending', 'in_progress')
			  )
			FOR UPDATE OF o2 SKIP LOCKED
		) due
		WHERE o.id = due.id
		RETURNING `+claimColumns, eventID, owner, leaseUntil)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return r.attachEvents(ctx, entries)
}

func (r *Repository) MarkProcessed(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'processed', claimed_by = NULL, lease_expires_at = NULL, last_error = '', updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

// MarkFailed records one failed attempt for an entry the owner still holds.
// Below max_attempts the entry goes back to pending with an
// exponential-backoff delay; at max_attempts it becomes terminally failed.
// Counting and transitioning happen in a single statement guarded by the
// claimant, so a stale owner whose lease was taken over gets ErrClaimLost
// instead of double-counting the attempt. The updated entry is returned so
// the caller can react to the terminal transition (compensation).
func (r *Repository) MarkFailed(ctx context.Context, id int64, owner, cause string) (Entry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE outbox_entries o
		SET attempts = o.attempts + 1,
		    status = CASE WHEN o.attempts + 1 >= o.max_attempts THEN 'failed' ELSE 'pending' END,
		    next_attempt_at = CASE WHEN o.attempts + 1 >= o.max_attempts THEN now()
		        ELSE now() + make_interval(secs => LEAST($3, $4 * power(2, o.attempts + 1))) END,
		    claimed_by = NULL, lease_expires_at = NULL, last_error = $5, updated_at = now()
		WHERE o.id = $1 AND o.status = 'in_progress' AND o.claimed_by = $2
		RETURNING `+claimColumns, id, owner, r.backoffCap.Seconds(), r.backoffBase.Seconds(), cause)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrClaimLost
	}
	return e, err
}

// Release returns an unfinished claim to pending without counting an
// attempt. Used during graceful shutdown.
func (r *Repository) Release(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'pending', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
	`, id)
	return err
}

// ListForEvent returns every entry created for one event, any status.
func (r *Repository) ListForEvent(ctx context.Context, eventID string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+claimColumns+`
		FROM outbox_entries o
		WHERE o.event_id = $1
		ORDER BY o.projection_name
	`, eventID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (r *Repository) attachEvents(ctx context.Context, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.EventID)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, event_type, aggregate_id, aggregate_type, payload, metadata, version, created_at, traceparent, tracestate
		FROM events
		WHERE event_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[string]*entryEvent{}
	for rows.Next() {
		var ev event.Event
		var traceparent, tracestate string
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.AggregateID, &ev.AggregateType, &ev.Payload, &ev.Metadata, &ev.Version, &ev.CreatedAt, &traceparent, &tracestate); err != nil {
			return nil, err
		}
		byID[ev.EventID] = &entryEvent{event: ev, traceparent: traceparent, tracestate: tracestate}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	for i := range entries {
		if ee, ok := byID[entries[i].EventID]; ok {
			evCopy := ee.event
			entries[i].Event = &evCopy
			entries[i].Traceparent = ee.traceparent
			entries[i].Tracestate = ee.tracestate
		}
	}

	// Claim order is decided by the database, but RETURNING does not
	// preserve it. Re-sort so delivery walks each aggregate in version order.
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].Event, entries[j].Event
		if a == nil || b == nil {
			return a != nil
		}
		if a.AggregateID != b.AggregateID {
			return a.AggregateID < b.AggregateID
		}
		return a.Version < b.Version
	})
	return entries, nil
}

type entryEvent struct {
	event       event.Event
	traceparent string
	tracestate  string
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var status string
	err := row.Scan(&e.ID, &e.EntryID, &e.EventID, &e.ProjectionName, &status, &e.Attempts, &e.MaxAttempts,
		&e.NextAttemptAt, &e.ClaimedBy, &e.LeaseExpiresAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	return e, nil
}
