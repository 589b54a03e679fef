package view

import (
	"context"

	"github.com/agentic-research/treesync/internal/communicator"
	"github.com/agentic-research/treesync/internal/keymap"
	"github.com/agentic-research/treesync/internal/legacy"
	"github.com/agentic-research/treesync/internal/logger"
	"github.com/agentic-research/treesync/internal/metrics"
	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/statetree"
	"github.com/agentic-research/treesync/internal/wire"
)

// engine is what View needs from either communicator.
type engine interface {
	setViewport(start, length int) error
	setParentRange(parentKey string, start, length int) error
	expand(ctx context.Context, items ...*provider.Node) ([]*provider.Node, error)
	collapse(items ...*provider.Node) ([]*provider.Node, error)
	confirm(updateID int, parentKey string) error
	setFilter(filter string) error
	dropChildLevels()
	keys() *keymap.KeyMapper[string, *provider.Node]
	mirror() *wire.Mirror
	addGenerator(g wire.DataGenerator[*provider.Node]) func()
	close()
}

type flatEngine struct {
	comm *communicator.HierarchicalDataCommunicator[string, *provider.Node, string]
	rec  *wire.Recorder
}

func newFlatEngine(src Source, tree *statetree.StateTree, node *statetree.StateNode, log *logger.Logger, m *metrics.Metrics) *flatEngine {
	rec := wire.NewRecorder()
	comm := communicator.New(src, tree, node, rec, communicator.WithLogger(log), communicator.WithMetrics(m))
	return &flatEngine{comm: comm, rec: rec}
}

func (e *flatEngine) setViewport(start, length int) error {
	return e.comm.SetViewportRange(start, length)
}

func (e *flatEngine) setParentRange(parentKey string, start, length int) error {
	if parentKey != "" {
		return ErrFlat
	}
	return e.setViewport(start, length)
}

func (e *flatEngine) expand(ctx context.Context, items ...*provider.Node) ([]*provider.Node, error) {
	return e.comm.Expand(ctx, items...)
}

func (e *flatEngine) collapse(items ...*provider.Node) ([]*provider.Node, error) {
	return e.comm.Collapse(items...)
}

func (e *flatEngine) confirm(updateID int, parentKey string) error {
	if parentKey != "" {
		return ErrFlat
	}
	return e.comm.ConfirmUpdate(updateID)
}

func (e *flatEngine) setFilter(filter string) error { return e.comm.SetFilter(&filter) }

func (e *flatEngine) dropChildLevels() {}

func (e *flatEngine) keys() *keymap.KeyMapper[string, *provider.Node] { return e.comm.KeyMapper() }

func (e *flatEngine) mirror() *wire.Mirror { return e.rec.Mirror }

func (e *flatEngine) addGenerator(g wire.DataGenerator[*provider.Node]) func() {
	return e.comm.AddDataGenerator(g)
}

func (e *flatEngine) close() { e.comm.Close() }

type levelEngine struct {
	comm *legacy.Communicator[string, *provider.Node, string]
	rec  *wire.HierarchicalRecorder
}

func newLevelEngine(src Source, tree *statetree.StateTree, node *statetree.StateNode, log *logger.Logger, m *metrics.Metrics) *levelEngine {
	rec := wire.NewHierarchicalRecorder()
	comm := legacy.NewCommunicator(src, tree, node, rec, legacy.WithLogger(log), legacy.WithMetrics(m))
	return &levelEngine{comm: comm, rec: rec}
}

func (e *levelEngine) setViewport(start, length int) error {
	return e.comm.SetRequestedRange(start, length)
}

func (e *levelEngine) setParentRange(parentKey string, start, length int) error {
	return e.comm.SetParentRequestedRange(start, length, parentKey)
}

func (e *levelEngine) expand(ctx context.Context, items ...*provider.Node) ([]*provider.Node, error) {
	return e.comm.Expand(ctx, items...)
}

func (e *levelEngine) collapse(items ...*provider.Node) ([]*provider.Node, error) {
	changed, err := e.comm.Collapse(items...)
	for _, n := range changed {
		if key, ok := e.comm.KeyMapper().ExistingKey(n); ok {
			e.rec.DropLevel(key)
		}
	}
	return changed, err
}

func (e *levelEngine) confirm(updateID int, parentKey string) error {
	return e.comm.ConfirmUpdate(updateID, parentKey)
}

func (e *levelEngine) setFilter(filter string) error {
	e.comm.Mapper().SetFilter(&filter)
	e.dropChildLevels()
	return e.comm.Reset()
}

func (e *levelEngine) dropChildLevels() {
	for _, key := range e.rec.Levels() {
		if key != "" {
			e.rec.DropLevel(key)
		}
	}
}

func (e *levelEngine) keys() *keymap.KeyMapper[string, *provider.Node] { return e.comm.KeyMapper() }

func (e *levelEngine) mirror() *wire.Mirror { return e.rec.Mirror }

func (e *levelEngine) addGenerator(g wire.DataGenerator[*provider.Node]) func() {
	return e.comm.AddDataGenerator(g)
}

func (e *levelEngine) close() { e.comm.Close() }
