package provider

import (
	"context"
	"sync"
)

// WithConvertedFilter adapts a source to accept query filters of type Q by
// converting them to the delegate's filter type C.
func WithConvertedFilter[K comparable, T any, Q any, C any](delegate HierarchicalDataSource[K, T, C], convert func(Q) C) HierarchicalDataSource[K, T, Q] {
	return &convertedFilterSource[K, T, Q, C]{delegate: delegate, convert: convert}
}

type convertedFilterSource[K comparable, T any, Q any, C any] struct {
	delegate HierarchicalDataSource[K, T, C]
	convert  func(Q) C
}

func (s *convertedFilterSource[K, T, Q, C]) query(q HierarchicalQuery[K, T, Q]) HierarchicalQuery[K, T, C] {
	var filter *C
	if f, ok := q.Filter(); ok {
		c := s.convert(f)
		filter = &c
	}
	return convertQuery(q, filter)
}

func (s *convertedFilterSource[K, T, Q, C]) ID(item T) K { return s.delegate.ID(item) }

func (s *convertedFilterSource[K, T, Q, C]) HierarchyFormat() HierarchyFormat {
	return s.delegate.HierarchyFormat()
}

func (s *convertedFilterSource[K, T, Q, C]) ChildCount(ctx context.Context, q HierarchicalQuery[K, T, Q]) (int, error) {
	return s.delegate.ChildCount(ctx, s.query(q))
}

func (s *convertedFilterSource[K, T, Q, C]) FetchChildren(ctx context.Context, q HierarchicalQuery[K, T, Q]) ([]T, error) {
	return s.delegate.FetchChildren(ctx, s.query(q))
}

func (s *convertedFilterSource[K, T, Q, C]) HasChildren(ctx context.Context, item T) (bool, error) {
	return s.delegate.HasChildren(ctx, item)
}

func (s *convertedFilterSource[K, T, Q, C]) Depth(item T) (int, error) { return s.delegate.Depth(item) }

func (s *convertedFilterSource[K, T, Q, C]) IsInMemory() bool { return s.delegate.IsInMemory() }

func (s *convertedFilterSource[K, T, Q, C]) Subscribe(l DataChangeListener) func() {
	return s.delegate.Subscribe(l)
}

// ConfigurableFilterSource stores a filter on top of a delegate. The stored
// filter and the query filter are merged with combine; when only one of them
// is present it is used as is.
type ConfigurableFilterSource[K comparable, T any, F any] struct {
	delegate HierarchicalDataSource[K, T, F]
	combine  func(query, configured F) F
	events   EventBus

	mu         sync.RWMutex
	configured *F
}

// NewConfigurableFilterSource wraps delegate. A nil combine lets the stored
// filter win over the query filter.
func NewConfigurableFilterSource[K comparable, T any, F any](delegate HierarchicalDataSource[K, T, F], combine func(query, configured F) F) *ConfigurableFilterSource[K, T, F] {
	return &ConfigurableFilterSource[K, T, F]{delegate: delegate, combine: combine}
}

// SetFilter stores filter (nil clears it) and announces a full refresh.
func (s *ConfigurableFilterSource[K, T, F]) SetFilter(filter *F) {
	s.mu.Lock()
	if filter == nil {
		s.configured = nil
	} else {
		f := *filter
		s.configured = &f
	}
	s.mu.Unlock()
	s.events.Fire(RefreshAll{})
}

func (s *ConfigurableFilterSource[K, T, F]) query(q HierarchicalQuery[K, T, F]) HierarchicalQuery[K, T, F] {
	s.mu.RLock()
	configured := s.configured
	s.mu.RUnlock()
	if configured == nil {
		return q
	}
	qf, ok := q.Filter()
	if !ok || s.combine == nil {
		return q.WithFilter(*configured)
	}
	return q.WithFilter(s.combine(qf, *configured))
}

func (s *ConfigurableFilterSource[K, T, F]) ID(item T) K { return s.delegate.ID(item) }

func (s *ConfigurableFilterSource[K, T, F]) HierarchyFormat() HierarchyFormat {
	return s.delegate.HierarchyFormat()
}

func (s *ConfigurableFilterSource[K, T, F]) ChildCount(ctx context.Context, q HierarchicalQuery[K, T, F]) (int, error) {
	return s.delegate.ChildCount(ctx, s.query(q))
}

func (s *ConfigurableFilterSource[K, T, F]) FetchChildren(ctx context.Context, q HierarchicalQuery[K, T, F]) ([]T, error) {
	return s.delegate.FetchChildren(ctx, s.query(q))
}

func (s *ConfigurableFilterSource[K, T, F]) HasChildren(ctx context.Context, item T) (bool, error) {
	return s.delegate.HasChildren(ctx, item)
}

func (s *ConfigurableFilterSource[K, T, F]) Depth(item T) (int, error) { return s.delegate.Depth(item) }

func (s *ConfigurableFilterSource[K, T, F]) IsInMemory() bool { return s.delegate.IsInMemory() }

// Subscribe receives the delegate's events and this source's own refreshes.
func (s *ConfigurableFilterSource[K, T, F]) Subscribe(l DataChangeListener) func() {
	own := s.events.Subscribe(l)
	inner := s.delegate.Subscribe(l)
	return func() {
		own()
		inner()
	}
}
