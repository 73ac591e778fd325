package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/knowd-io/knowd/services/memory-service/internal/event"
)

// Claims is the claim/complete/fail surface shared by the inline dispatch
// path, the compensation manager and the background worker. Every delivery
// attempt, whichever path makes it, goes through the same lease gate.
type Claims interface {
	ClaimForEvent(ctx context.Context, eventID string, owner string) ([]Entry, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, owner, cause string) (Entry, error)
	ListForEvent(ctx context.Context, eventID string) ([]Entry, error)
}

// ApplyFunc delivers one event to one named projection.
type ApplyFunc func(ctx context.Context, projectionName string, evt event.Event) error

// DriveEvent pushes one event's outbox entries toward terminal status,
// honoring the entries' retry schedule, until every entry is terminal or the
// deadline passes. It returns the per-projection status seen last; entries
// still pending at the deadline are left to the background worker.
func DriveEvent(ctx context.Context, claims Claims, apply ApplyFunc, eventID, owner string, deadline time.Time) (map[string]Status, error) {
	for {
		entries, err := claims.ClaimForEvent(ctx, eventID, owner)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if entry.Event == nil {
				if _, err := claims.MarkFailed(ctx, entry.ID, owner, "event row missing"); err != nil && !errors.Is(err, ErrClaimLost) {
					return nil, err
				}
				continue
			}
			if applyErr := apply(ctx, entry.ProjectionName, *entry.Event); applyErr != nil {
				if _, err := claims.MarkFailed(ctx, entry.ID, owner, applyErr.Error()); err != nil && !errors.Is(err, ErrClaimLost) {
					return nil, err
				}
				continue
			}
			if err := claims.MarkProcessed(ctx, entry.ID); err != nil {
				return nil, err
			}
		}

		all, err := claims.ListForEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		statuses := make(map[string]Status, len(all))
		nextDue := time.Time{}
		done := true
		for _, entry := range all {
			statuses[entry.ProjectionName] = entry.Status
			if !entry.Terminal() {
				done = false
				if nextDue.IsZero() || entry.NextAttemptAt.Before(nextDue) {
					nextDue = entry.NextAttemptAt
				}
			}
		}
		if done || time.Now().After(deadline) {
			return statuses, nil
		}

		wait := time.Until(nextDue)
		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		if until := time.Until(deadline); wait > until {
			wait = until
		}
		select {
		case <-ctx.Done():
			return statuses, ctx.Err()
		case <-time.After(wait):
		}
	}
}
