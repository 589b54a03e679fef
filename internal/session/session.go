// Package session serializes access to one client's state and drives the
// access/response cycle: mutate under the lock, run the before-response
// callbacks, collect the node changes.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/agentic-research/treesync/internal/logger"
	"github.com/agentic-research/treesync/internal/statetree"
)

// Lock is the session lock. HasLock tells whether somebody holds it; Go
// offers no goroutine identity, so it cannot tell who.
type Lock struct {
	mu   sync.Mutex
	held atomic.Bool
}

func (l *Lock) Lock() {
	l.mu.Lock()
	l.held.Store(true)
}

func (l *Lock) Unlock() {
	l.held.Store(false)
	l.mu.Unlock()
}

func (l *Lock) HasLock() bool { return l.held.Load() }

// Session owns a StateTree and the lock guarding it.
type Session struct {
	id   string
	lock Lock
	tree *statetree.StateTree
	log  *logger.Logger

	responses int
}

type options struct {
	log *logger.Logger
	id  string
}

// Option configures New.
type Option func(*options)

// WithLogger sets the session logger. Default is a no-op logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func New(opts ...Option) *Session {
	o := options{log: logger.Nop(), id: uuid.NewString()}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Session{id: o.id}
	s.log = o.log.WithFields(map[string]any{"session": s.id})
	s.tree = statetree.New(&s.lock)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Tree() *statetree.StateTree { return s.tree }

// Lock exposes the session lock for callers that need to hold it across
// several calls.
func (s *Session) Lock() *Lock { return &s.lock }

func (s *Session) Logger() *logger.Logger { return s.log }

// Access runs fn under the session lock and then finishes the response:
// queued before-response callbacks run (including ones queued by fn or by
// other callbacks) and the resulting node changes are collected.
// An error from fn skips the callbacks.
func (s *Session) Access(ctx context.Context, fn func(*statetree.StateTree) error) ([]statetree.NodeChange, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if fn != nil {
		if err := fn(s.tree); err != nil {
			return nil, err
		}
	}
	if err := s.tree.RunExecutionsBeforeClientResponse(ctx); err != nil {
		s.log.Error("before-response execution failed").Err(err).Send()
		return nil, err
	}
	changes := s.tree.CollectChanges()
	s.responses++
	s.log.Debug("response prepared").Int("changes", len(changes)).Int("response", s.responses).Send()
	return changes, nil
}
