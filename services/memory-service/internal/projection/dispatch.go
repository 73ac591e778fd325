package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/knowd-io/knowd/services/memory-service/internal/event"
)

// Dispatcher routes one event to one named read model. It is stateless
// beyond the projection lookup table and safe for concurrent use.
type Dispatcher struct {
	logger      *slog.Logger
	projections map[string]Projection
}

func NewDispatcher(logger *slog.Logger, projections ...Projection) *Dispatcher {
	m := make(map[string]Projection, len(projections))
	for _, p := range projections {
		m[p.Name()] = p
	}
	return &Dispatcher{logger: logger, projections: m}
}

// Apply delivers one event to the named projection. Event types outside the
// known set are logged and skipped, never fatal, so new event types can roll
// out before every projection understands them.
func (d *Dispatcher) Apply(ctx context.Context, projectionName string, evt event.Event) error {
	p, ok := d.projections[projectionName]
	if !ok {
		return fmt.Errorf("no projection registered as %q", projectionName)
	}
	if !event.Known(evt.EventType) {
		d.logger.Warn("skipping unknown event type",
			"event_id", evt.EventID,
			"event_type", evt.EventType,
			"projection", projectionName,
		)
		return nil
	}
	return p.Apply(ctx, evt)
}

func (d *Dispatcher) Projection(name string) (Projection, bool) {
	p, ok := d.projections[name]
	return p, ok
}
