package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knowd-io/knowd/services/memory-service/internal/event"
	"github.com/knowd-io/knowd/services/memory-service/internal/eventlog"
	"github.com/knowd-io/knowd/services/memory-service/internal/outbox"
)

// ErrExhausted means a compensating delivery reached terminal failed status.
// The operation is fatally inconsistent and needs an operator, guided by the
// consistency checker.
var ErrExhausted = errors.New("compensating delivery exhausted retries")

type Log interface {
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)
	ListByAggregate(ctx context.Context, aggregateID string) ([]event.Event, error)
}

type Store interface {
	AppendWithOutbox(ctx context.Context, evt *event.Event, projections []string) error
}

// Manager undoes the applied side of a half-failed operation. The inverse is
// expressed as another event on the same aggregate, fanned out only to the
// projections that applied the original, and delivered through the same
// idempotent claim/apply path, so compensation inherits the outbox's retry
// mechanics.
type Manager struct {
	log        Log
	store      Store
	claims     outbox.Claims
	apply      outbox.ApplyFunc
	logger     *slog.Logger
	inlineWait time.Duration
}

type Config struct {
	InlineWait time.Duration
}

func NewManager(log Log, store Store, claims outbox.Claims, apply outbox.ApplyFunc, logger *slog.Logger, cfg Config) *Manager {
	if cfg.InlineWait <= 0 {
		cfg.InlineWait = 10 * time.Second
	}
	return &Manager{
		log:        log,
		store:      store,
		claims:     claims,
		apply:      apply,
		logger:     logger,
		inlineWait: cfg.InlineWait,
	}
}

func (m *Manager) Compensate(ctx context.Context, evt event.Event, succeeded []string) error {
	if len(succeeded) == 0 {
		return nil
	}
	inverse, err := m.buildInverse(ctx, evt)
	if err != nil {
		return err
	}

	// A concurrent writer can race the version; reload and retry a few
	// times before giving up.
	for attempt := 0; ; attempt++ {
		current, err := m.log.CurrentVersion(ctx, evt.AggregateID)
		if err != nil {
			return err
		}
		inverse.Version = current + 1
		err = m.store.AppendWithOutbox(ctx, inverse, succeeded)
		if err == nil {
			break
		}
		if !errors.Is(err, eventlog.ErrVersionConflict) || attempt >= 3 {
			return fmt.Errorf("append compensating event: %w", err)
		}
	}

	m.logger.Warn("compensating event appended",
		"event_id", inverse.EventID,
		"compensates", evt.EventID,
		"event_type", inverse.EventType,
		"projections", strings.Join(succeeded, ", "),
	)

	statuses, err := outbox.DriveEvent(ctx, m.claims, m.apply, inverse.EventID, uuid.NewString(), time.Now().Add(m.inlineWait))
	if err != nil {
		// Entries stay claimable; the background workers keep retrying.
		m.logger.Error("inline compensation dispatch aborted", "err", err, "event_id", inverse.EventID)
		return nil
	}

	var failed []string
	for name, st := range statuses {
		if st == outbox.StatusFailed {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("%w: %s", ErrExhausted, strings.Join(failed, ", "))
	}
	return nil
}

// buildInverse reconstructs the compensating action from the log: creates
// are retracted, updates reverted to the folded prior state, deletes
// restored from it.
func (m *Manager) buildInverse(ctx context.Context, evt event.Event) (*event.Event, error) {
	var (
		inverseType string
		payload     json.RawMessage
	)

	switch evt.EventType {
	case event.TypeConceptCreated:
		inverseType, payload = event.TypeConceptRetracted, json.RawMessage(`{}`)
	case event.TypeRelationCreated:
		inverseType, payload = event.TypeRelationRetracted, json.RawMessage(`{}`)
	case event.TypeConceptUpdated, event.TypeConceptDeleted:
		history, err := m.log.ListByAggregate(ctx, evt.AggregateID)
		if err != nil {
			return nil, err
		}
		prior, err := event.FoldConcept(history, evt.Version)
		if err != nil {
			return nil, err
		}
		payload, err = json.Marshal(prior)
		if err != nil {
			return nil, err
		}
		if evt.EventType == event.TypeConceptUpdated {
			inverseType = event.TypeConceptReverted
		} else {
			inverseType = event.TypeConceptRestored
		}
	case event.TypeRelationDeleted:
		history, err := m.log.ListByAggregate(ctx, evt.AggregateID)
		if err != nil {
			return nil, err
		}
		prior, err := event.FoldRelation(history, evt.Version)
		if err != nil {
			return nil, err
		}
		payload, err = json.Marshal(prior)
		if err != nil {
			return nil, err
		}
		inverseType = event.TypeRelationRestored
	default:
		return nil, fmt.Errorf("no inverse for event type %q", evt.EventType)
	}

	metadata, _ := json.Marshal(map[string]string{"compensates": evt.EventID})
	return &event.Event{
		EventID:       uuid.NewString(),
		EventType:     inverseType,
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		Payload:       payload,
		Metadata:      metadata,
	}, nil
}
