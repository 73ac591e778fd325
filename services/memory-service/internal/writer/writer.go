package writer

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
	"github.com/knowd-io/knowd/services/memory-service/internal/projection"
)

// Operation kinds accepted by Submit.
const (
	OpCreateConcept  = "create_concept"
	OpUpdateConcept  = "update_concept"
	OpDeleteConcept  = "delete_concept"
	OpCreateRelation = "create_relation"
	OpDeleteRelation = "delete_relation"
)

var (
	// ErrValidation is the caller's fault; retrying the same request fails
	// the same way.
	ErrValidation = errors.New("invalid operation")
	// ErrConflict means another writer got there first; reload current
	// state and retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrStorage aborts the operation before anything was recorded.
	ErrStorage = errors.New("storage failure")
	// ErrProjection surfaces only after retries were exhausted and
	// compensation ran.
	ErrProjection = errors.New("projection delivery failed")
	// ErrFatalInconsistent means compensation itself failed; resolution is
	// an operator action informed by the consistency checker.
	ErrFatalInconsistent = errors.New("fatal inconsistency, compensation failed")
)

type Operation struct {
	AggregateID string          `json:"aggregate_id,omitempty"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
}

type Result struct {
	AggregateID string            `json:"aggregate_id"`
	EventID     string            `json:"event_id"`
	Version     int64             `json:"version"`
	Projections map[string]string `json:"projections"`
}

// Log is the slice of the event log the orchestrator reads.
type Log interface {
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)
	GetByEventID(ctx context.Context, eventID string) (event.Event, error)
	ListByAggregate(ctx context.Context, aggregateID string) ([]event.Event, error)
	ListAggregateIDs(ctx context.Context, aggregateType string) ([]string, error)
}

// Store is the atomic append+enqueue unit.
type Store interface {
	AppendWithOutbox(ctx context.Context, evt *event.Event, projections []string) error
}

// Applier routes one event to one projection.
type Applier interface {
	Apply(ctx context.Context, projectionName string, evt event.Event) error
}

// Compensator undoes the already-applied side of a half-failed operation.
type Compensator interface {
	Compensate(ctx context.Context, evt event.Event, succeeded []string) error
}

// Service is the write orchestrator. Each submitted operation moves through
// validating, persisting, projecting, and ends committed, compensated, or
// fatally inconsistent.
type Service struct {
	log         Log
	store       Store
	claims      outbox.Claims
	applier     Applier
	compensator Compensator
	logger      *slog.Logger
	inlineWait  time.Duration
}

// DefaultInlineWait is long enough for a delivery to run through the whole
// default retry schedule, so a permanently failing projection reaches
// terminal failed, and compensation, while Submit is still on the line.
const DefaultInlineWait = 10 * time.Second

type Config struct {
	// InlineWait bounds how long Submit drives projection delivery
	// synchronously. Entries still pending when it elapses are finished by
	// the background workers.
	InlineWait time.Duration
}

func NewService(log Log, store Store, claims outbox.Claims, applier Applier, compensator Compensator, logger *slog.Logger, cfg Config) *Service {
	if cfg.InlineWait <= 0 {
		cfg.InlineWait = DefaultInlineWait
	}
	return &Service{
		log:         log,
		store:       store,
		claims:      claims,
		applier:     applier,
		compensator: compensator,
		logger:      logger,
		inlineWait:  cfg.InlineWait,
	}
}

// Submit validates the operation, appends its event together with the outbox
// fan-out in one transaction, then drives delivery inline. The returned
// error distinguishes retryable conflicts from terminal failures.
func (s *Service) Submit(ctx context.Context, op Operation) (Result, error) {
	evt, err := s.buildEvent(ctx, op)
	if err != nil {
		return Result{}, err
	}

	required := projection.Required(evt.EventType)
	if err := s.store.AppendWithOutbox(ctx, evt, required); err != nil {
		if errors.Is(err, eventlog.ErrVersionConflict) {
			return Result{}, fmt.Errorf("%w: aggregate %s", ErrConflict, evt.AggregateID)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	res := Result{AggregateID: evt.AggregateID, EventID: evt.EventID, Version: evt.Version}

	statuses, err := outbox.DriveEvent(ctx, s.claims, s.applier.Apply, evt.EventID, uuid.NewString(), time.Now().Add(s.inlineWait))
	if err != nil {
		// The event is durable and its entries stay claimable; the
		// background workers finish delivery.
		s.logger.Error("inline dispatch aborted", "err", err, "event_id", evt.EventID)
		res.Projections = pendingStatuses(required)
		return res, nil
	}
	res.Projections = statusStrings(statuses)

	var succeeded, failed []string
	for name, st := range statuses {
		switch st {
		case outbox.StatusProcessed:
			succeeded = append(succeeded, name)
		case outbox.StatusFailed:
			failed = append(failed, name)
		}
	}
	if len(failed) == 0 {
		return res, nil
	}

	sort.Strings(failed)
	if len(succeeded) > 0 {
		if compErr := s.compensator.Compensate(ctx, *evt, succeeded); compErr != nil {
			s.logger.Error("compensation failed",
				"event_id", evt.EventID,
				"aggregate_id", evt.AggregateID,
				"err", compErr,
			)
			return res, fmt.Errorf("%w: %v", ErrFatalInconsistent, compErr)
		}
	}
	return res, fmt.Errorf("%w: %s", ErrProjection, strings.Join(failed, ", "))
}

// HandleTerminalFailure is the background workers' hook for entries that
// exhaust their retries after Submit has already returned. It compensates
// the event's succeeded sibling deliveries.
func (s *Service) HandleTerminalFailure(ctx context.Context, entry outbox.Entry) {
	evt, err := s.log.GetByEventID(ctx, entry.EventID)
	if err != nil {
		s.logger.Error("terminal failure: load event", "err", err, "event_id", entry.EventID)
		return
	}
	if event.Compensating(evt.EventType) {
		s.logger.Error("fatal inconsistency: compensating delivery exhausted retries",
			"event_id", evt.EventID,
			"aggregate_id", evt.AggregateID,
			"projection", entry.ProjectionName,
		)
		return
	}

	siblings, err := s.claims.ListForEvent(ctx, entry.EventID)
	if err != nil {
		s.logger.Error("terminal failure: list entries", "err", err, "event_id", entry.EventID)
		return
	}
	var succeeded []string
	for _, sib := range siblings {
		if sib.Status == outbox.StatusProcessed {
			succeeded = append(succeeded, sib.ProjectionName)
		}
	}
	if len(succeeded) == 0 {
		return
	}
	if err := s.compensator.Compensate(ctx, evt, succeeded); err != nil {
		s.logger.Error("fatal inconsistency: compensation failed",
			"event_id", evt.EventID,
			"aggregate_id", evt.AggregateID,
			"err", err,
		)
	}
}

// Rebuild replays the full log into one projection from scratch, in
// per-aggregate version order. Idempotent application makes this safe on a
// non-empty store as well.
func (s *Service) Rebuild(ctx context.Context, projectionName string) (int, error) {
	applied := 0
	for _, aggregateType := range []string{event.AggregateConcept, event.AggregateRelation} {
		ids, err := s.log.ListAggregateIDs(ctx, aggregateType)
		if err != nil {
			return applied, err
		}
		sort.Strings(ids)
		for _, id := range ids {
			events, err := s.log.ListByAggregate(ctx, id)
			if err != nil {
				return applied, err
			}
			for _, evt := range events {
				if !requires(evt.EventType, projectionName) {
					continue
				}
				if err := s.applier.Apply(ctx, projectionName, evt); err != nil {
					return applied, fmt.Errorf("rebuild %s at %s v%d: %w", projectionName, id, evt.Version, err)
				}
				applied++
			}
		}
	}
	return applied, nil
}

func (s *Service) buildEvent(ctx context.Context, op Operation) (*event.Event, error) {
	var (
		aggregateType string
		eventType     string
		wantsExisting bool
	)

	switch op.Kind {
	case OpCreateConcept:
		aggregateType, eventType = event.AggregateConcept, event.TypeConceptCreated
	case OpUpdateConcept:
		aggregateType, eventType, wantsExisting = event.AggregateConcept, event.TypeConceptUpdated, true
	case OpDeleteConcept:
		aggregateType, eventType, wantsExisting = event.AggregateConcept, event.TypeConceptDeleted, true
	case OpCreateRelation:
		aggregateType, eventType = event.AggregateRelation, event.TypeRelationCreated
	case OpDeleteRelation:
		aggregateType, eventType, wantsExisting = event.AggregateRelation, event.TypeRelationDeleted, true
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, op.Kind)
	}

	if err := validatePayload(op.Kind, op.Payload); err != nil {
		return nil, err
	}

	aggregateID := op.AggregateID
	if aggregateID == "" {
		if wantsExisting {
			return nil, fmt.Errorf("%w: %s requires aggregate_id", ErrValidation, op.Kind)
		}
		aggregateID = uuid.NewString()
	}

	current, err := s.log.CurrentVersion(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if wantsExisting && current == 0 {
		return nil, fmt.Errorf("%w: aggregate %s does not exist", ErrValidation, aggregateID)
	}
	if !wantsExisting && current > 0 {
		return nil, fmt.Errorf("%w: aggregate %s already exists", ErrConflict, aggregateID)
	}

	metadata, _ := json.Marshal(map[string]string{"operation_kind": op.Kind})
	return &event.Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       op.Payload,
		Metadata:      metadata,
		Version:       current + 1,
	}, nil
}

func validatePayload(kind string, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	switch kind {
	case OpCreateConcept:
		p, err := event.ParseConceptPayload(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if p.Name == "" {
			return fmt.Errorf("%w: concept name is required", ErrValidation)
		}
	case OpUpdateConcept:
		p, err := event.ParseConceptPayload(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if p.Name == "" && p.Kind == "" && p.Summary == "" && p.Attributes == nil && len(p.Embedding) == 0 {
			return fmt.Errorf("%w: update changes nothing", ErrValidation)
		}
	case OpCreateRelation:
		p, err := event.ParseRelationPayload(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if p.SourceID == "" || p.TargetID == "" || p.Kind == "" {
			return fmt.Errorf("%w: relation requires source_id, target_id and kind", ErrValidation)
		}
	}
	return nil
}

func requires(eventType, projectionName string) bool {
	for _, p := range projection.Required(eventType) {
		if p == projectionName {
			return true
		}
	}
	return false
}

func pendingStatuses(projections []string) map[string]string {
	m := make(map[string]string, len(projections))
	for _, p := range projections {
		m[p] = string(outbox.StatusPending)
	}
	return m
}

func statusStrings(statuses map[string]outbox.Status) map[string]string {
	m := make(map[string]string, len(statuses))
	for name, st := range statuses {
		m[name] = string(st)
	}
	return m
}
