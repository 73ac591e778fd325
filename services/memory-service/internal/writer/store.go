package writer

import (
	"context"

	"github.com/knowd-io/knowd/libs/db"
	"github.com/knowd-io/knowd/services/memory-service/internal/event"
	"github.com/knowd-io/knowd/services/memory-service/internal/eventlog"
	"github.com/knowd-io/knowd/services/memory-service/internal/outbox"
)

// PgStore binds log append and outbox fan-out into one transaction: the
// event and its outbox rows commit together or not at all.
type PgStore struct {
	pool   *db.Pool
	events *eventlog.Repository
	outbox *outbox.Repository
}

func NewPgStore(pool *db.Pool, events *eventlog.Repository, outboxRepo *outbox.Repository) *PgStore {
	return &PgStore{pool: pool, events: events, outbox: outboxRepo}
}

func (s *PgStore) AppendWithOutbox(ctx context.Context, evt *event.Event, projections []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.events.Append(ctx, tx, evt); err != nil {
		return err
	}
	for _, p := range projections {
		if err := s.outbox.Enqueue(ctx, tx, evt.EventID, p); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
