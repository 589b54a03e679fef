// Package view runs one synchronized tree view in process: a session, a
// communicator and a recording client standing in for the remote renderer.
// The CLI and the MCP server both drive a View.
package view

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentic-research/treesync/internal/logger"
	"github.com/agentic-research/treesync/internal/metrics"
	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/session"
	"github.com/agentic-research/treesync/internal/statetree"
	"github.com/agentic-research/treesync/internal/wire"
)

var (
	// ErrNotFound is returned for node ids the source does not know.
	ErrNotFound = errors.New("node not found")
	// ErrFlat is returned for per-level operations on a flat view.
	ErrFlat = errors.New("flat view has no parent levels")
	// ErrNoReload is returned by Reload on a view built without WithReload.
	ErrNoReload = errors.New("view source cannot be reloaded")
)

// Record fields added to every row on top of the wire fields.
const (
	FieldID   = "id"
	FieldName = "name"
)

// Source is the data source shape every view reads from. The filter is a
// name substring.
type Source = provider.HierarchicalDataSource[string, *provider.Node, string]

// Resolver looks a node up by id.
type Resolver func(ctx context.Context, id string) (*provider.Node, bool, error)

type options struct {
	log     *logger.Logger
	metrics *metrics.Metrics
	legacy  bool
	levelN  int
	reload  func() error
}

// Option configures New.
type Option func(*options)

func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithReload sets the function Reload uses to swap in fresh data, usually
// Backend.Reload.
func WithReload(reload func() error) Option {
	return func(o *options) { o.reload = reload }
}

// WithLegacy selects the per-parent-key communicator. Each expanded level
// then gets its own requested range of levelLength rows.
func WithLegacy(levelLength int) Option {
	return func(o *options) {
		o.legacy = true
		o.levelN = levelLength
	}
}

type View struct {
	sess    *session.Session
	node    *statetree.StateNode
	eng     engine
	resolve Resolver
	log     *logger.Logger
	legacy  bool
	levelN  int
	reload  func() error

	// latest committed update id per parent key
	latest map[string]int
}

func New(src Source, resolve Resolver, opts ...Option) *View {
	o := options{log: logger.Nop(), levelN: 50}
	for _, opt := range opts {
		opt(&o)
	}
	sess := session.New(session.WithLogger(o.log))
	v := &View{
		sess:    sess,
		node:    statetree.NewStateNode(),
		resolve: resolve,
		log:     o.log.Component("view"),
		legacy:  o.legacy,
		levelN:  o.levelN,
		reload:  o.reload,
		latest:  make(map[string]int),
	}
	if o.legacy {
		v.eng = newLevelEngine(src, sess.Tree(), v.node, o.log, o.metrics)
	} else {
		v.eng = newFlatEngine(src, sess.Tree(), v.node, o.log, o.metrics)
	}
	v.eng.addGenerator(wire.GeneratorFunc[*provider.Node](func(n *provider.Node, rec wire.Record) {
		rec[FieldID] = n.ID
		rec[FieldName] = n.Name
	}))
	v.eng.mirror().OnCommit = func(b wire.Batch) {
		for _, c := range b.Commands {
			if cc, ok := c.(wire.CommitCommand); ok {
				v.latest[cc.ParentKey] = cc.UpdateID
			}
		}
	}
	return v
}

func (v *View) SessionID() string { return v.sess.ID() }

func (v *View) Legacy() bool { return v.legacy }

// Open attaches the view to its session's state tree and renders the
// initial viewport.
func (v *View) Open(ctx context.Context, start, length int) error {
	return v.access(ctx, func() error {
		if err := v.sess.Tree().RootNode().List("views").Append(v.node); err != nil {
			return err
		}
		return v.eng.setViewport(start, length)
	})
}

func (v *View) Close() { v.eng.close() }

// Initialized counts renderer initializations.
func (v *View) Initialized() int { return v.eng.mirror().Initialized() }

func (v *View) access(ctx context.Context, fn func() error) error {
	_, err := v.sess.Access(ctx, func(*statetree.StateTree) error { return fn() })
	return err
}

// SetViewport sets the visible window: flat rows, or root rows of a legacy
// view.
func (v *View) SetViewport(ctx context.Context, start, length int) error {
	return v.access(ctx, func() error { return v.eng.setViewport(start, length) })
}

// SetLevelRange sets the requested rows under the node parentID. It needs a
// legacy view.
func (v *View) SetLevelRange(ctx context.Context, parentID string, start, length int) error {
	if !v.legacy {
		return ErrFlat
	}
	return v.access(ctx, func() error {
		key, err := v.parentKey(ctx, parentID)
		if err != nil {
			return err
		}
		return v.eng.setParentRange(key, start, length)
	})
}

func (v *View) parentKey(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	n, err := v.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	key, ok := v.eng.keys().ExistingKey(n)
	if !ok {
		return "", fmt.Errorf("node %q is not on the client: %w", id, provider.ErrIllegalArgument)
	}
	return key, nil
}

func (v *View) lookup(ctx context.Context, id string) (*provider.Node, error) {
	n, ok, err := v.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return n, nil
}

func (v *View) lookupAll(ctx context.Context, ids []string) ([]*provider.Node, error) {
	nodes := make([]*provider.Node, 0, len(ids))
	for _, id := range ids {
		n, err := v.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func nodeIDs(nodes []*provider.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

// Expand expands the nodes with the given ids and returns the ids whose
// state changed. In a legacy view each newly expanded node that the client
// holds also gets its child level requested.
func (v *View) Expand(ctx context.Context, ids ...string) ([]string, error) {
	var changed []*provider.Node
	err := v.access(ctx, func() error {
		nodes, err := v.lookupAll(ctx, ids)
		if err != nil {
			return err
		}
		changed, err = v.eng.expand(ctx, nodes...)
		if err != nil || !v.legacy {
			return err
		}
		for _, n := range changed {
			if key, ok := v.eng.keys().ExistingKey(n); ok {
				if err := v.eng.setParentRange(key, 0, v.levelN); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return nodeIDs(changed), err
}

// Collapse collapses the nodes with the given ids and returns the ids whose
// state changed.
func (v *View) Collapse(ctx context.Context, ids ...string) ([]string, error) {
	var changed []*provider.Node
	err := v.access(ctx, func() error {
		nodes, err := v.lookupAll(ctx, ids)
		if err != nil {
			return err
		}
		changed, err = v.eng.collapse(nodes...)
		return err
	})
	return nodeIDs(changed), err
}

// Confirm acknowledges updateID of the level under parentID ("" for the
// root level or a flat view).
func (v *View) Confirm(ctx context.Context, updateID int, parentID string) error {
	return v.access(ctx, func() error {
		key, err := v.parentKey(ctx, parentID)
		if err != nil {
			return err
		}
		return v.eng.confirm(updateID, key)
	})
}

// ConfirmLatest acknowledges the latest update of every level, the way an
// eager client does after rendering.
func (v *View) ConfirmLatest(ctx context.Context) error {
	return v.access(ctx, func() error {
		var errs []error
		for key, id := range v.latest {
			err := v.eng.confirm(id, key)
			if errors.Is(err, provider.ErrIllegalArgument) {
				// the level was dropped by a collapse or reset
				delete(v.latest, key)
				continue
			}
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

// LatestUpdate returns the id of the last update committed for the level
// under parentKey.
func (v *View) LatestUpdate(parentKey string) (int, bool) {
	v.sess.Lock().Lock()
	defer v.sess.Lock().Unlock()
	id, ok := v.latest[parentKey]
	return id, ok
}

// SetFilter shows only nodes whose name contains filter (case-insensitive).
// An empty filter shows everything.
func (v *View) SetFilter(ctx context.Context, filter string) error {
	return v.access(ctx, func() error { return v.eng.setFilter(filter) })
}

// Reload swaps in fresh source data. The source's refresh resets the view
// and the current viewport is sent again. Child levels of a legacy view are
// dropped and have to be requested again.
func (v *View) Reload(ctx context.Context) error {
	if v.reload == nil {
		return ErrNoReload
	}
	return v.access(ctx, func() error {
		if err := v.reload(); err != nil {
			return err
		}
		v.eng.dropChildLevels()
		return nil
	})
}

// Batches returns every update the client received.
func (v *View) Batches() []wire.Batch { return v.eng.mirror().Batches() }

// Row is one client row. Rows the client holds no data for have Loaded
// false.
type Row struct {
	Key         string
	ParentKey   string
	ID          string
	Name        string
	Level       int
	Expanded    bool
	HasChildren bool
	Loaded      bool
}

func rowOf(rec wire.Record, parentKey string) Row {
	if rec == nil {
		return Row{ParentKey: parentKey}
	}
	r := Row{ParentKey: parentKey, Loaded: true}
	r.Key, _ = rec[wire.FieldKey].(string)
	r.ID, _ = rec[FieldID].(string)
	r.Name, _ = rec[FieldName].(string)
	r.Level, _ = rec[wire.FieldLevel].(int)
	r.Expanded, _ = rec[wire.FieldExpanded].(bool)
	r.HasChildren, _ = rec[wire.FieldHasChildren].(bool)
	return r
}

// Rows returns the client picture in display order. A legacy view nests each
// received child level under its expanded parent row.
func (v *View) Rows() []Row {
	m := v.eng.mirror()
	var out []Row
	var walk func(parentKey string)
	walk = func(parentKey string) {
		for _, rec := range m.Rows(parentKey) {
			r := rowOf(rec, parentKey)
			out = append(out, r)
			if v.legacy && r.Loaded && r.Expanded {
				walk(r.Key)
			}
		}
	}
	walk("")
	return out
}

func (r Row) String() string {
	if !r.Loaded {
		return "…"
	}
	marker := "  "
	switch {
	case r.Expanded:
		marker = "- "
	case r.HasChildren:
		marker = "+ "
	}
	return fmt.Sprintf("%s%s%s [%s]", strings.Repeat("  ", r.Level), marker, r.Name, r.ID)
}

// Format renders rows one per line. A run of rows without data becomes a
// single "… N rows" line.
func Format(rows []Row) string {
	var b strings.Builder
	gap := 0
	flushGap := func() {
		if gap > 0 {
			fmt.Fprintf(&b, "… %d rows\n", gap)
			gap = 0
		}
	}
	for _, r := range rows {
		if !r.Loaded {
			gap++
			continue
		}
		flushGap()
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	flushGap()
	return b.String()
}
