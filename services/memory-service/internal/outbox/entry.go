package outbox

import (
	"time"

	"github.com/knowd-io/knowd/services/memory-service/internal/event"
)

type Status string

// Status only moves forward: pending -> in_progress -> processed, or back to
// pending for a retry, or to failed once attempts are exhausted.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Entry is one unit of "this event must reach this projection". Rows are
// never deleted; processed and failed entries are kept for audit and replay.
type Entry struct {
	ID             int64
	EntryID        string
	EventID        string
	ProjectionName string
	Status         Status
	Attempts       int
	MaxAttempts    int
	NextAttemptAt  time.Time
	ClaimedBy      *string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Event and its persisted trace context are attached when the entry is
	// claimed, so workers can dispatch without a second round trip.
	Event       *event.Event
	Traceparent string
	Tracestate  string
}

// Terminal reports whether the entry can no longer change state.
func (e Entry) Terminal() bool {
	return e.Status == StatusProcessed || e.Status == StatusFailed
}
