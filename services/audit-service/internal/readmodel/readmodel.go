package readmodel

import "context"

// Summary is the slice of a concept's state that must agree across read
// models: the comparable fields plus the last applied event version.
type Summary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Version int64  `json:"version"`
}

// ReadModel is the read-only surface the checker needs from each store.
type ReadModel interface {
	Name() string
	ListLiveEntityIDs(ctx context.Context) (map[string]struct{}, error)
	EntitySummary(ctx context.Context, id string) (Summary, bool, error)
}
