package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/knowd-io/knowd/services/memory-service/internal/event"
	"github.com/knowd-io/knowd/services/memory-service/internal/projection"
	surrealdb "github.com/surrealdb/surrealdb.go"
)

const (
	conceptTable  = "concept"
	relationTable = "relation"
	edgeTable     = "related"
)

// Conn is the slice of the SurrealDB connection the store drives. The
// adapter around *surrealdb.DB satisfies it in production, test doubles in
// tests.
type Conn interface {
	Query(sql string, vars map[string]any) (any, error)
	Close()
}

// Store projects concept and relation events into SurrealDB. Concepts are
// records in the concept table, relations are records plus RELATE edges for
// traversal queries. Deletes flip a live flag instead of removing the record,
// which keeps the per-entity version watermark that makes Apply idempotent
// under redelivery and replay.
type Store struct {
	conn Conn
}

type conceptRecord struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Summary    string            `json:"summary"`
	Attributes map[string]string `json:"attributes"`
	Version    int64             `json:"version"`
	Live       bool              `json:"live"`
}

type relationRecord struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Kind     string  `json:"kind"`
	Weight   float64 `json:"weight"`
	Version  int64   `json:"version"`
	Live     bool    `json:"live"`
}

func NewStore(url, ns, dbName, user, pass string) (*Store, error) {
	db, err := surrealdb.New(url)
	if err != nil {
		return nil, fmt.Errorf("graph: connect %s: %w", url, err)
	}
	if _, err := db.Signin(map[string]any{"user": user, "pass": pass}); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph: signin: %w", err)
	}
	if _, err := db.Use(ns, dbName); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph: use %s/%s: %w", ns, dbName, err)
	}
	return &Store{conn: dbConn{db}}, nil
}

type dbConn struct{ db *surrealdb.DB }

func (c dbConn) Query(sql string, vars map[string]any) (any, error) { return c.db.Query(sql, vars) }
func (c dbConn) Close()                                             { c.db.Close() }

func (s *Store) Close() { s.conn.Close() }

func (s *Store) Name() string { return projection.Graph }

func (s *Store) Apply(ctx context.Context, evt event.Event) error {
	switch evt.EventType {
	case event.TypeConceptCreated, event.TypeConceptRestored:
		return s.upsertConcept(evt, true)
	case event.TypeConceptUpdated, event.TypeConceptReverted:
		return s.mergeConcept(evt)
	case event.TypeConceptDeleted, event.TypeConceptRetracted:
		return s.tombstoneConcept(evt)
	case event.TypeRelationCreated, event.TypeRelationRestored:
		return s.upsertRelation(evt)
	case event.TypeRelationDeleted, event.TypeRelationRetracted:
		return s.tombstoneRelation(evt)
	default:
		// Dispatcher filters unknown types; anything else simply does not
		// materialize in the graph.
		return nil
	}
}

func (s *Store) upsertConcept(evt event.Event, live bool) error {
	current, found, err := s.conceptRecord(evt.AggregateID)
	if err != nil {
		return err
	}
	if found && current.Version >= evt.Version {
		return nil
	}
	p, err := event.ParseConceptPayload(evt.Payload)
	if err != nil {
		return fmt.Errorf("graph: concept payload: %w", err)
	}
	return s.putConcept(evt.AggregateID, conceptRecord{
		Name:       p.Name,
		Kind:       p.Kind,
		Summary:    p.Summary,
		Attributes: p.Attributes,
		Version:    evt.Version,
		Live:       live,
	})
}

func (s *Store) mergeConcept(evt event.Event) error {
	current, found, err := s.conceptRecord(evt.AggregateID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("graph: concept %s not found for update at version %d", evt.AggregateID, evt.Version)
	}
	if current.Version >= evt.Version {
		return nil
	}
	p, err := event.ParseConceptPayload(evt.Payload)
	if err != nil {
		return fmt.Errorf("graph: concept payload: %w", err)
	}
	if p.Name != "" {
		current.Name = p.Name
	}
	if p.Kind != "" {
		current.Kind = p.Kind
	}
	if p.Summary != "" {
		current.Summary = p.Summary
	}
	if p.Attributes != nil {
		current.Attributes = p.Attributes
	}
	current.Version = evt.Version
	current.Live = true
	return s.putConcept(evt.AggregateID, current)
}

func (s *Store) tombstoneConcept(evt event.Event) error {
	current, found, err := s.conceptRecord(evt.AggregateID)
	if err != nil {
		return err
	}
	if found && current.Version >= evt.Version {
		return nil
	}
	current.Version = evt.Version
	current.Live = false
	return s.putConcept(evt.AggregateID, current)
}

func (s *Store) upsertRelation(evt event.Event) error {
	current, found, err := s.relationRecord(evt.AggregateID)
	if err != nil {
		return err
	}
	if found && current.Version >= evt.Version {
		return nil
	}
	p, err := event.ParseRelationPayload(evt.Payload)
	if err != nil {
		return fmt.Errorf("graph: relation payload: %w", err)
	}
	if err := s.putRelation(evt.AggregateID, relationRecord{
		SourceID: p.SourceID,
		TargetID: p.TargetID,
		Kind:     p.Kind,
		Weight:   p.Weight,
		Version:  evt.Version,
		Live:     true,
	}); err != nil {
		return err
	}
	// Drop any previous edge for this relation before relating again, so a
	// redelivered event cannot produce duplicate edges.
	query := fmt.Sprintf(
		"DELETE %s WHERE relation_id = $rid; RELATE (type::thing('%s', $src))->%s->(type::thing('%s', $dst)) SET relation_id = $rid, kind = $kind, weight = $weight;",
		edgeTable, conceptTable, edgeTable, conceptTable,
	)
	_, err = s.run(query, map[string]any{
		"rid":    evt.AggregateID,
		"src":    p.SourceID,
		"dst":    p.TargetID,
		"kind":   p.Kind,
		"weight": p.Weight,
	})
	return err
}

func (s *Store) tombstoneRelation(evt event.Event) error {
	current, found, err := s.relationRecord(evt.AggregateID)
	if err != nil {
		return err
	}
	if found && current.Version >= evt.Version {
		return nil
	}
	current.Version = evt.Version
	current.Live = false
	if err := s.putRelation(evt.AggregateID, current); err != nil {
		return err
	}
	_, err = s.run(
		fmt.Sprintf("DELETE %s WHERE relation_id = $rid;", edgeTable),
		map[string]any{"rid": evt.AggregateID},
	)
	return err
}

func (s *Store) ListLiveEntityIDs(ctx context.Context) (map[string]struct{}, error) {
	results, err := s.run(fmt.Sprintf("SELECT id FROM %s WHERE live = true;", conceptTable), nil)
	if err != nil {
		return nil, fmt.Errorf("graph: list live concepts: %w", err)
	}
	ids := map[string]struct{}{}
	rows, _ := results[0].([]any)
	for _, row := range rows {
		m, _ := row.(map[string]any)
		id, _ := m["id"].(string)
		if id == "" {
			continue
		}
		ids[stripThing(id)] = struct{}{}
	}
	return ids, nil
}

func (s *Store) EntitySummary(ctx context.Context, id string) (projection.Summary, bool, error) {
	rec, found, err := s.conceptRecord(id)
	if err != nil || !found || !rec.Live {
		return projection.Summary{}, false, err
	}
	return projection.Summary{ID: id, Name: rec.Name, Kind: rec.Kind, Version: rec.Version}, true, nil
}

// Neighbors returns the live concepts related to one concept, via the
// RELATE edges. Used by the graph read surface, not by the write path.
func (s *Store) Neighbors(ctx context.Context, id string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT ->%s->%s.id AS out FROM type::thing('%s', $id);",
		edgeTable, conceptTable, conceptTable,
	)
	results, err := s.run(query, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("graph: neighbors of %s: %w", id, err)
	}
	var out []string
	rows, _ := results[0].([]any)
	for _, row := range rows {
		m, _ := row.(map[string]any)
		targets, _ := m["out"].([]any)
		for _, t := range targets {
			if str, okCast := t.(string); okCast {
				out = append(out, stripThing(str))
			}
		}
	}
	return out, nil
}

func ReadyCheck(s *Store) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := s.run("INFO FOR DB;", nil); err != nil {
			return fmt.Errorf("surrealdb not ready: %w", err)
		}
		return nil
	}
}

func (s *Store) conceptRecord(id string) (conceptRecord, bool, error) {
	results, err := s.run(
		fmt.Sprintf("SELECT * FROM type::thing('%s', $id);", conceptTable),
		map[string]any{"id": id},
	)
	if err != nil {
		return conceptRecord{}, false, fmt.Errorf("graph: select concept %s: %w", id, err)
	}
	m, found := firstRow(results[0])
	if !found {
		return conceptRecord{}, false, nil
	}
	rec := conceptRecord{
		Name:    str(m["name"]),
		Kind:    str(m["kind"]),
		Summary: str(m["summary"]),
		Version: i64(m["version"]),
		Live:    boolean(m["live"]),
	}
	if attrs, okCast := m["attributes"].(map[string]any); okCast {
		rec.Attributes = map[string]string{}
		for k, v := range attrs {
			rec.Attributes[k] = str(v)
		}
	}
	return rec, true, nil
}

func (s *Store) relationRecord(id string) (relationRecord, bool, error) {
	results, err := s.run(
		fmt.Sprintf("SELECT * FROM type::thing('%s', $id);", relationTable),
		map[string]any{"id": id},
	)
	if err != nil {
		return relationRecord{}, false, fmt.Errorf("graph: select relation %s: %w", id, err)
	}
	m, found := firstRow(results[0])
	if !found {
		return relationRecord{}, false, nil
	}
	rec := relationRecord{
		SourceID: str(m["source_id"]),
		TargetID: str(m["target_id"]),
		Kind:     str(m["kind"]),
		Version:  i64(m["version"]),
		Live:     boolean(m["live"]),
	}
	if w, okCast := m["weight"].(float64); okCast {
		rec.Weight = w
	}
	return rec, true, nil
}

func (s *Store) putConcept(id string, rec conceptRecord) error {
	_, err := s.run(
		fmt.Sprintf("UPDATE type::thing('%s', $id) CONTENT $data;", conceptTable),
		map[string]any{"id": id, "data": rec},
	)
	if err != nil {
		return fmt.Errorf("graph: put concept %s: %w", id, err)
	}
	return nil
}

func (s *Store) putRelation(id string, rec relationRecord) error {
	_, err := s.run(
		fmt.Sprintf("UPDATE type::thing('%s', $id) CONTENT $data;", relationTable),
		map[string]any{"id": id, "data": rec},
	)
	if err != nil {
		return fmt.Errorf("graph: put relation %s: %w", id, err)
	}
	return nil
}

// run executes one or more statements and checks that each came back OK. The
// raw query response is a list with one status/result element per statement.
func (s *Store) run(sql string, vars map[string]any) ([]any, error) {
	raw, err := s.conn.Query(sql, vars)
	if err != nil {
		return nil, err
	}
	stmts, okCast := raw.([]any)
	if !okCast || len(stmts) == 0 {
		return nil, fmt.Errorf("unexpected response %T", raw)
	}
	results := make([]any, 0, len(stmts))
	for i, st := range stmts {
		m, okCast := st.(map[string]any)
		if !okCast {
			return nil, fmt.Errorf("unexpected statement result %T", st)
		}
		if status := str(m["status"]); !strings.EqualFold(status, "OK") {
			return nil, fmt.Errorf("statement %d status %s: %s", i, status, str(m["detail"]))
		}
		results = append(results, m["result"])
	}
	return results, nil
}

func firstRow(result any) (map[string]any, bool) {
	switch v := result.(type) {
	case []any:
		if len(v) == 0 {
			return nil, false
		}
		m, okCast := v[0].(map[string]any)
		return m, okCast
	case map[string]any:
		return v, true
	default:
		return nil, false
	}
}

func stripThing(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[i+1:]
	}
	return strings.Trim(id, "⟨⟩`")
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func i64(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}
