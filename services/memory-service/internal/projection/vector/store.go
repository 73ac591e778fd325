package vector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/knowd-io/knowd/services/memory-service/internal/event"
	"github.com/knowd-io/knowd/services/memory-service/internal/projection"
	"github.com/redis/go-redis/v9"
)

const liveSetKey = "knowd:concepts:live"

// Store projects concept events into Redis: one hash per concept carrying
// the summary fields and the embedding bytes, plus a set of live concept
// ids. The version field on each hash is the idempotency watermark; events
// at or below it are skipped.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Name() string { return projection.Vector }

func conceptKey(id string) string { return "knowd:concept:" + id }

func (s *Store) Apply(ctx context.Context, evt event.Event) error {
	if evt.AggregateType != event.AggregateConcept {
		// Relation events never reach this projection via the outbox, but
		// replay streams whole aggregates; treat them as a no-op.
		return nil
	}

	applied, err := s.appliedVersion(ctx, evt.AggregateID)
	if err != nil {
		return err
	}
	if applied >= evt.Version {
		return nil
	}

	switch evt.EventType {
	case event.TypeConceptCreated, event.TypeConceptRestored:
		return s.upsert(ctx, evt, true)
	case event.TypeConceptUpdated, event.TypeConceptReverted:
		if applied == 0 {
			return fmt.Errorf("vector: concept %s not found for update at version %d", evt.AggregateID, evt.Version)
		}
		return s.upsert(ctx, evt, false)
	case event.TypeConceptDeleted, event.TypeConceptRetracted:
		return s.tombstone(ctx, evt)
	default:
		return nil
	}
}

func (s *Store) upsert(ctx context.Context, evt event.Event, full bool) error {
	p, err := event.ParseConceptPayload(evt.Payload)
	if err != nil {
		return fmt.Errorf("vector: concept payload: %w", err)
	}

	fields := map[string]any{
		"version": evt.Version,
		"live":    "1",
	}
	if full || p.Name != "" {
		fields["name"] = p.Name
	}
	if full || p.Kind != "" {
		fields["kind"] = p.Kind
	}
	if full || p.Summary != "" {
		fields["summary"] = p.Summary
	}
	if len(p.Embedding) > 0 {
		fields["embedding"] = encodeEmbedding(p.Embedding)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, conceptKey(evt.AggregateID), fields)
	pipe.SAdd(ctx, liveSetKey, evt.AggregateID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) tombstone(ctx context.Context, evt event.Event) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, conceptKey(evt.AggregateID), map[string]any{
		"version": evt.Version,
		"live":    "0",
	})
	pipe.SRem(ctx, liveSetKey, evt.AggregateID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) appliedVersion(ctx context.Context, id string) (int64, error) {
	v, err := s.rdb.HGet(ctx, conceptKey(id), "version").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Store) ListLiveEntityIDs(ctx context.Context) (map[string]struct{}, error) {
	members, err := s.rdb.SMembers(ctx, liveSetKey).Result()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(members))
	for _, m := range members {
		ids[m] = struct{}{}
	}
	return ids, nil
}

func (s *Store) EntitySummary(ctx context.Context, id string) (projection.Summary, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, conceptKey(id)).Result()
	if err != nil {
		return projection.Summary{}, false, err
	}
	if len(fields) == 0 || fields["live"] != "1" {
		return projection.Summary{}, false, nil
	}
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	return projection.Summary{
		ID:      id,
		Name:    fields["name"],
		Kind:    fields["kind"],
		Version: version,
	}, true, nil
}

// Match is one similarity-search result.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Nearest scans live concepts and ranks them by cosine similarity against
// the query embedding. Linear in the live set, which is the deployment's
// stated scale; concepts without an embedding are skipped.
func (s *Store) Nearest(ctx context.Context, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	live, err := s.rdb.SMembers(ctx, liveSetKey).Result()
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, id := range live {
		raw, err := s.rdb.HGet(ctx, conceptKey(id), "embedding").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		emb := decodeEmbedding([]byte(raw))
		score := cosine(query, emb)
		if !math.IsNaN(score) {
			matches = append(matches, Match{ID: id, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
