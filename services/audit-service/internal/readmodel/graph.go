package readmodel

import (
	"context"
	"fmt"
	"strings"

	surrealdb "github.com/surrealdb/surrealdb.go"
)

const conceptTable = "concept"

// GraphConn is the slice of the SurrealDB connection the read model uses.
type GraphConn interface {
	Query(sql string, vars map[string]any) (any, error)
	Close()
}

// GraphModel reads live concepts out of the SurrealDB graph store. It never
// writes; the memory service owns the records.
type GraphModel struct {
	conn GraphConn
}

func NewGraphModel(url, ns, dbName, user, pass string) (*GraphModel, error) {
	db, err := surrealdb.New(url)
	if err != nil {
		return nil, fmt.Errorf("graph readmodel: connect %s: %w", url, err)
	}
	if _, err := db.Signin(map[string]any{"user": user, "pass": pass}); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph readmodel: signin: %w", err)
	}
	if _, err := db.Use(ns, dbName); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph readmodel: use %s/%s: %w", ns, dbName, err)
	}
	return &GraphModel{conn: graphDBConn{db}}, nil
}

type graphDBConn struct{ db *surrealdb.DB }

func (c graphDBConn) Query(sql string, vars map[string]any) (any, error) {
	return c.db.Query(sql, vars)
}
func (c graphDBConn) Close() { c.db.Close() }

func (g *GraphModel) Close() { g.conn.Close() }

func (g *GraphModel) Name() string { return "graph" }

func (g *GraphModel) ListLiveEntityIDs(ctx context.Context) (map[string]struct{}, error) {
	results, err := g.run(fmt.Sprintf("SELECT id FROM %s WHERE live = true;", conceptTable), nil)
	if err != nil {
		return nil, fmt.Errorf("graph readmodel: list live concepts: %w", err)
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

func (g *GraphModel) EntitySummary(ctx context.Context, id string) (Summary, bool, error) {
	results, err := g.run(
		fmt.Sprintf("SELECT * FROM type::thing('%s', $id);", conceptTable),
		map[string]any{"id": id},
	)
	if err != nil {
		return Summary{}, false, fmt.Errorf("graph readmodel: select concept %s: %w", id, err)
	}
	m, found := firstRow(results[0])
	if !found {
		return Summary{}, false, nil
	}
	live, _ := m["live"].(bool)
	if !live {
		return Summary{}, false, nil
	}
	version, _ := m["version"].(float64)
	name, _ := m["name"].(string)
	kind, _ := m["kind"].(string)
	return Summary{ID: id, Name: name, Kind: kind, Version: int64(version)}, true, nil
}

func GraphReadyCheck(g *GraphModel) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := g.run("INFO FOR DB;", nil); err != nil {
			return fmt.Errorf("surrealdb not ready: %w", err)
		}
		return nil
	}
}

func (g *GraphModel) run(sql string, vars map[string]any) ([]any, error) {
	raw, err := g.conn.Query(sql, vars)
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
		if status, _ := m["status"].(string); !strings.EqualFold(status, "OK") {
			detail, _ := m["detail"].(string)
			return nil, fmt.Errorf("statement %d status %s: %s", i, status, detail)
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
