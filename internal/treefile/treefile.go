// Package treefile reads a JSON tree document into provider nodes.
//
// The document is either one object or an array of root objects. JSONPath
// expressions pick each object's id, name and child objects.
package treefile

import (
	"context"
	"errors"
	"fmt"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/agentic-research/treesync/internal/provider"
)

// ErrMalformed is returned for documents that are not a tree of objects.
var ErrMalformed = errors.New("malformed tree document")

// Paths are the JSONPath selectors applied to each object.
type Paths struct {
	ID       string
	Name     string
	Children string
}

// DefaultPaths reads {"id": ..., "name": ..., "children": [...]}.
func DefaultPaths() Paths {
	return Paths{ID: "$.id", Name: "$.name", Children: "$.children"}
}

type compiled struct {
	id, name, children jp.Expr
}

func (p Paths) compile() (compiled, error) {
	var c compiled
	var err error
	if c.id, err = jp.ParseString(p.ID); err != nil {
		return c, fmt.Errorf("invalid jsonpath '%s': %w", p.ID, err)
	}
	if c.name, err = jp.ParseString(p.Name); err != nil {
		return c, fmt.Errorf("invalid jsonpath '%s': %w", p.Name, err)
	}
	if c.children, err = jp.ParseString(p.Children); err != nil {
		return c, fmt.Errorf("invalid jsonpath '%s': %w", p.Children, err)
	}
	return c, nil
}

// Load reads name from fsys and walks it. Nodes come back parents first,
// siblings in document order.
func Load(fsys billy.Basic, name string, paths Paths) ([]*provider.Node, error) {
	data, err := util.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", name, err)
	}
	return Parse(data, paths)
}

// Parse walks a JSON document held in memory.
func Parse(data []byte, paths Paths) ([]*provider.Node, error) {
	doc, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse tree json: %w", err)
	}
	return Walk(doc, paths)
}

// Walk turns an already decoded document into nodes.
func Walk(doc any, paths Paths) ([]*provider.Node, error) {
	c, err := paths.compile()
	if err != nil {
		return nil, err
	}
	roots, ok := doc.([]any)
	if !ok {
		roots = []any{doc}
	}
	w := &walker{paths: c, seen: make(map[string]struct{})}
	if err := w.walk(roots, ""); err != nil {
		return nil, err
	}
	return w.nodes, nil
}

type walker struct {
	paths compiled
	nodes []*provider.Node
	seen  map[string]struct{}
}

func (w *walker) walk(objects []any, parentID string) error {
	type pending struct {
		id       string
		children []any
	}
	var next []pending
	for pos, v := range objects {
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("item %d under %q is %T: %w", pos, parentID, v, ErrMalformed)
		}
		id := w.id(obj, parentID, pos)
		if _, dup := w.seen[id]; dup {
			return fmt.Errorf("duplicate id %q: %w", id, ErrMalformed)
		}
		w.seen[id] = struct{}{}

		children := w.children(obj)
		w.nodes = append(w.nodes, &provider.Node{
			ID:       id,
			ParentID: parentID,
			Position: pos,
			Name:     w.name(obj, id),
			Record:   record(obj),
		})
		if len(children) > 0 {
			next = append(next, pending{id: id, children: children})
		}
	}
	for _, p := range next {
		if err := w.walk(p.children, p.id); err != nil {
			return err
		}
	}
	return nil
}

// id falls back to the position path ("0/2/1") when the selector finds
// nothing.
func (w *walker) id(obj map[string]any, parentID string, pos int) string {
	if v := w.paths.id.First(obj); v != nil {
		return fmt.Sprint(v)
	}
	if parentID == "" {
		return fmt.Sprint(pos)
	}
	return fmt.Sprintf("%s/%d", parentID, pos)
}

func (w *walker) name(obj map[string]any, id string) string {
	if v := w.paths.name.First(obj); v != nil {
		return fmt.Sprint(v)
	}
	return id
}

func (w *walker) children(obj map[string]any) []any {
	var out []any
	for _, r := range w.paths.children.Get(obj) {
		if arr, ok := r.([]any); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, r)
	}
	return out
}

// record keeps the fields of obj that are not nested objects.
func record(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		switch v := v.(type) {
		case map[string]any:
			continue
		case []any:
			if len(v) > 0 && isObjects(v) {
				continue
			}
		}
		out[k] = v
	}
	return out
}

func isObjects(arr []any) bool {
	for _, v := range arr {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// TreeData builds an in-memory tree from nodes ordered parents first.
func TreeData(nodes []*provider.Node) (*provider.TreeData[string, *provider.Node], error) {
	d := provider.NewTreeData(func(n *provider.Node) string { return n.ID })
	byID := make(map[string]*provider.Node, len(nodes))
	for _, n := range nodes {
		var parent **provider.Node
		if n.ParentID != "" {
			p, ok := byID[n.ParentID]
			if !ok {
				return nil, fmt.Errorf("node %q before its parent %q: %w", n.ID, n.ParentID, ErrMalformed)
			}
			parent = &p
		}
		if err := d.AddItem(parent, n); err != nil {
			return nil, err
		}
		byID[n.ID] = n
	}
	return d, nil
}

// WriteSQLite inserts nodes into the nodes table of dst.
func WriteSQLite(ctx context.Context, dst *provider.SQLiteSource, nodes []*provider.Node) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := dst.InsertNode(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
