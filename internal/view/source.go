package view

import (
	"context"
	"fmt"
	"strings"
	"sync"

	billy "github.com/go-git/go-billy/v5"

	"github.com/agentic-research/treesync/internal/config"
	"github.com/agentic-research/treesync/internal/provider"
	"github.com/agentic-research/treesync/internal/treefile"
)

// NameFilter turns a name substring into an in-memory predicate. The empty
// string matches everything.
func NameFilter(filter string) provider.Predicate[*provider.Node] {
	if filter == "" {
		return nil
	}
	needle := strings.ToLower(filter)
	return func(n *provider.Node) bool {
		return strings.Contains(strings.ToLower(n.Name), needle)
	}
}

// FromNodes serves nodes ordered parents first from memory.
func FromNodes(nodes []*provider.Node) (Source, Resolver, error) {
	d, err := treefile.TreeData(nodes)
	if err != nil {
		return nil, nil, err
	}
	tdp := provider.NewTreeDataProvider(d, provider.Nested)
	src := provider.WithConvertedFilter[string, *provider.Node, string, provider.Predicate[*provider.Node]](tdp, NameFilter)
	resolve := func(_ context.Context, id string) (*provider.Node, bool, error) {
		n, ok := d.Item(id)
		return n, ok, nil
	}
	return src, resolve, nil
}

// OpenSource opens the source a configuration names. JSON paths are read
// through fsys; SQLite paths go straight to the driver. The returned func
// releases the source.
func OpenSource(fsys billy.Basic, cfg *config.SourceConfig) (Source, Resolver, func() error, error) {
	noop := func() error { return nil }
	if cfg.Path == "" {
		return nil, nil, nil, fmt.Errorf("source path is empty: %w", config.ErrInvalid)
	}
	switch cfg.Kind {
	case config.SourceJSON:
		nodes, err := treefile.Load(fsys, cfg.Path, treefile.Paths{
			ID:       cfg.IDPath,
			Name:     cfg.NamePath,
			Children: cfg.ChildrenPath,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		src, resolve, err := FromNodes(nodes)
		return src, resolve, noop, err
	case config.SourceSQLite:
		s, err := provider.OpenSQLiteSource(cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Node, s.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("source kind %q: %w", cfg.Kind, config.ErrInvalid)
	}
}

// Backend is an opened source that can be reopened in place. Views read it
// through a hot swap under a configurable filter, so a reload keeps the
// configured filter and resets every view attached to it.
type Backend struct {
	fsys   billy.Basic
	cfg    config.SourceConfig
	swap   *provider.HotSwap[string, *provider.Node, string]
	source *provider.ConfigurableFilterSource[string, *provider.Node, string]

	mu      sync.Mutex
	resolve Resolver
	release func() error
}

// OpenBackend opens the source cfg names. A non-empty filter becomes the
// configured filter: it applies until a view sets its own.
func OpenBackend(fsys billy.Basic, cfg *config.SourceConfig, filter string) (*Backend, error) {
	src, resolve, release, err := OpenSource(fsys, cfg)
	if err != nil {
		return nil, err
	}
	b := &Backend{fsys: fsys, cfg: *cfg, resolve: resolve, release: release}
	b.swap = provider.NewHotSwap[string, *provider.Node, string](src)
	b.source = provider.NewConfigurableFilterSource[string, *provider.Node, string](b.swap, preferQuery)
	if filter != "" {
		b.source.SetFilter(&filter)
	}
	return b, nil
}

// preferQuery lets a view's own filter replace the configured one. An empty
// view filter falls back to the configured filter.
func preferQuery(query, configured string) string {
	if query == "" {
		return configured
	}
	return query
}

func (b *Backend) Source() Source { return b.source }

// Resolve looks id up in the current source.
func (b *Backend) Resolve(ctx context.Context, id string) (*provider.Node, bool, error) {
	b.mu.Lock()
	resolve := b.resolve
	b.mu.Unlock()
	return resolve(ctx, id)
}

// Reload opens the source again and swaps it in. Subscribers get a full
// refresh; the previous source is released afterwards. On error the current
// source stays in place.
func (b *Backend) Reload() error {
	src, resolve, release, err := OpenSource(b.fsys, &b.cfg)
	if err != nil {
		return fmt.Errorf("reload %s source %s: %w", b.cfg.Kind, b.cfg.Path, err)
	}
	b.mu.Lock()
	old := b.release
	b.resolve, b.release = resolve, release
	b.mu.Unlock()
	b.swap.Swap(src)
	return old()
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.release()
}
