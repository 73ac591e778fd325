package storage

import (
	"context"

	"github.com/knowd-io/knowd/libs/db"
)

// Migrate creates the write core's tables. Statements are idempotent so the
// service can run them at every start.
func Migrate(ctx context.Context, pool *db.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id bigserial PRIMARY KEY,
			event_id uuid NOT NULL UNIQUE,
			event_type text NOT NULL,
			aggregate_id text NOT NULL,
			aggregate_type text NOT NULL,
			payload jsonb NOT NULL DEFAULT '{}'::jsonb,
			metadata jsonb,
			version bigint NOT NULL,
			traceparent text NOT NULL DEFAULT '',
			tracestate text NOT NULL DEFAULT '',
			stream_published_at timestamptz,
			created_at timestamptz NOT NULL DEFAULT now(),
			UNIQUE (aggregate_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_event_type ON events (event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_unpublished ON events (id) WHERE stream_published_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS outbox_entries (
			id bigserial PRIMARY KEY,
			entry_id uuid NOT NULL UNIQUE,
			event_id uuid NOT NULL REFERENCES events (event_id),
			projection_name text NOT NULL,
			status text NOT NULL DEFAULT 'pending',
			attempts int NOT NULL DEFAULT 0,
			max_attempts int NOT NULL DEFAULT 5,
			next_attempt_at timestamptz NOT NULL DEFAULT now(),
			claimed_by uuid,
			lease_expires_at timestamptz,
			last_error text NOT NULL DEFAULT '',
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now(),
			UNIQUE (event_id, projection_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox_entries (projection_name, status, next_attempt_at)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
