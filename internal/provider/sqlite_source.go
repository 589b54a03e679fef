package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ohler55/ojg/oj"
	_ "modernc.org/sqlite"
)

// Node is one row of the nodes table.
type Node struct {
	ID       string
	ParentID string // empty for root items
	Position int
	Name     string
	Record   any // decoded JSON payload, nil when absent
}

// SQLiteSource implements HierarchicalDataSource over a nodes table:
//
//	nodes(id TEXT PRIMARY KEY, parent_id TEXT, position INTEGER, name TEXT, record TEXT)
//
// Children are fetched lazily per parent with LIMIT/OFFSET, so the source is
// Nested. The filter type is a case-insensitive name substring. Query
// in-memory comparators are ignored; use backend sort orders on id, name or
// position instead.
type SQLiteSource struct {
	db     *sql.DB
	dbPath string
	events EventBus
}

var _ HierarchicalDataSource[string, *Node, string] = (*SQLiteSource)(nil)

const nodesSchema = `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		position INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL DEFAULT '',
		record TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id, position);
`

var sortColumns = map[string]string{
	"id":       "id",
	"name":     "name",
	"position": "position",
}

// CreateSQLiteSource creates (or opens) a database at dbPath and ensures the
// nodes table exists.
func CreateSQLiteSource(dbPath string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec(nodesSchema); err != nil {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("create nodes table: %w", err)
	}
	return &SQLiteSource{db: db, dbPath: dbPath}, nil
}

// OpenSQLiteSource opens an existing database read-only. The DB must have a
// nodes table.
func OpenSQLiteSource(dbPath string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(4)

	var count int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name='nodes'").Scan(&count); err != nil || count == 0 {
		_ = db.Close() // ignore error
		return nil, fmt.Errorf("nodes table not found in %s", dbPath)
	}
	return &SQLiteSource{db: db, dbPath: dbPath}, nil
}

func (s *SQLiteSource) Close() error { return s.db.Close() }

// InsertNode adds one row. Record is stored as JSON.
func (s *SQLiteSource) InsertNode(ctx context.Context, n *Node) error {
	var record sql.NullString
	if n.Record != nil {
		record = sql.NullString{String: oj.JSON(n.Record, &oj.Options{Sort: true}), Valid: true}
	}
	var parent sql.NullString
	if n.ParentID != "" {
		parent = sql.NullString{String: n.ParentID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO nodes (id, parent_id, position, name, record) VALUES (?, ?, ?, ?, ?)",
		n.ID, parent, n.Position, n.Name, record)
	if err != nil {
		return fmt.Errorf("insert node %s: %w", n.ID, err)
	}
	return nil
}

// RefreshAll tells subscribers the table changed.
func (s *SQLiteSource) RefreshAll() { s.events.Fire(RefreshAll{}) }

func (s *SQLiteSource) ID(n *Node) string { return n.ID }

func (s *SQLiteSource) HierarchyFormat() HierarchyFormat { return Nested }

func (s *SQLiteSource) IsInMemory() bool { return false }

func (s *SQLiteSource) Subscribe(l DataChangeListener) func() { return s.events.Subscribe(l) }

func (s *SQLiteSource) Depth(*Node) (int, error) {
	return -1, fmt.Errorf("depth of a nested sqlite source: %w", ErrUnsupported)
}

// where builds the WHERE clause shared by count and fetch.
func where(q HierarchicalQuery[string, *Node, string]) (string, []any) {
	var parent any
	if p := q.ParentRef(); p != nil {
		parent = (*p).ID
	}
	clause := "parent_id IS ?"
	args := []any{parent}
	if f, ok := q.Filter(); ok && f != "" {
		clause += ` AND name LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(f)+"%")
	}
	return clause, args
}

func orderBy(q HierarchicalQuery[string, *Node, string]) (string, error) {
	orders := q.SortOrders()
	if len(orders) == 0 {
		return "position, id", nil
	}
	parts := make([]string, 0, len(orders)+1)
	for _, o := range orders {
		col, ok := sortColumns[o.Property]
		if !ok {
			return "", fmt.Errorf("cannot sort nodes by %q: %w", o.Property, ErrIllegalArgument)
		}
		if o.Direction == Descending {
			col += " DESC"
		}
		parts = append(parts, col)
	}
	parts = append(parts, "id")
	return strings.Join(parts, ", "), nil
}

func (s *SQLiteSource) ChildCount(ctx context.Context, q HierarchicalQuery[string, *Node, string]) (int, error) {
	clause, args := where(q)
	args = append(args, q.Limit(), q.Offset())
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM (SELECT 1 FROM nodes WHERE "+clause+" LIMIT ? OFFSET ?)", args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return count, nil
}

func (s *SQLiteSource) FetchChildren(ctx context.Context, q HierarchicalQuery[string, *Node, string]) ([]*Node, error) {
	clause, args := where(q)
	order, err := orderBy(q)
	if err != nil {
		return nil, err
	}
	args = append(args, q.Limit(), q.Offset())

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, parent_id, position, name, record FROM nodes WHERE "+clause+" ORDER BY "+order+" LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("fetch children: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Node looks up one row by id.
func (s *SQLiteSource) Node(ctx context.Context, id string) (*Node, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, parent_id, position, name, record FROM nodes WHERE id = ?", id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var (
		n      Node
		parent sql.NullString
		record sql.NullString
	)
	if err := row.Scan(&n.ID, &parent, &n.Position, &n.Name, &record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.ParentID = parent.String
	if record.Valid && record.String != "" {
		parsed, err := oj.ParseString(record.String)
		if err != nil {
			return nil, fmt.Errorf("parse record of %s: %w", n.ID, err)
		}
		n.Record = parsed
	}
	return &n, nil
}

func (s *SQLiteSource) HasChildren(ctx context.Context, n *Node) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM nodes WHERE parent_id = ?)", n.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has children %s: %w", n.ID, err)
	}
	return exists, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
