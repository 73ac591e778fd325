package readmodel

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const liveSetKey = "knowd:concepts:live"

// VectorModel reads live concepts out of the Redis vector store.
type VectorModel struct {
	rdb *redis.Client
}

func NewVectorModel(rdb *redis.Client) *VectorModel {
	return &VectorModel{rdb: rdb}
}

func (v *VectorModel) Name() string { return "vector" }

func conceptKey(id string) string { return "knowd:concept:" + id }

func (v *VectorModel) ListLiveEntityIDs(ctx context.Context) (map[string]struct{}, error) {
	members, err := v.rdb.SMembers(ctx, liveSetKey).Result()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(members))
	for _, m := range members {
		ids[m] = struct{}{}
	}
	return ids, nil
}

func (v *VectorModel) EntitySummary(ctx context.Context, id string) (Summary, bool, error) {
	fields, err := v.rdb.HGetAll(ctx, conceptKey(id)).Result()
	if err != nil {
		return Summary{}, false, err
	}
	if len(fields) == 0 || fields["live"] != "1" {
		return Summary{}, false, nil
	}
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	return Summary{
		ID:      id,
		Name:    fields["name"],
		Kind:    fields["kind"],
		Version: version,
	}, true, nil
}
