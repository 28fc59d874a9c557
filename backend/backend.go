// Package backend selects which HSTS and HPKP store implementation is active.
//
// The in-process default store is registered at priority 0. A plugin may
// register an alternative; the highest priority wins and, on a tie, the most
// recently registered one does. Exactly one implementation is active at a
// time and every implementation that loses is closed exactly once.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/wolfeidau/tlstrust/telemetry"
)

// DefaultName is the name the in-process default store is registered under.
const DefaultName = "default"

// ErrClosed is returned when registering with a closed Selector.
var ErrClosed = errors.New("selector closed")

// Kind distinguishes the default store from externally supplied ones.
type Kind int

const (
	// KindDefault is the in-process default store.
	KindDefault Kind = iota
	// KindExternal is a store supplied by a plugin.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindExternal:
		return "external"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Handle describes the active implementation.
type Handle struct {
	Name     string
	Kind     Kind
	Priority int
}

// Option configures a Selector.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Selector holds the active implementation of one store kind.
// It is safe for concurrent use.
type Selector[T io.Closer] struct {
	mu     sync.Mutex
	store  string
	active T
	handle Handle
	closed bool
	logger *slog.Logger
}

// NewSelector creates a Selector for store ("hsts" or "hpkp") with def
// registered as the default implementation at priority 0.
func NewSelector[T io.Closer](store string, def T, opts ...Option) *Selector[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Selector[T]{
		store:  store,
		active: def,
		handle: Handle{Name: DefaultName, Kind: KindDefault, Priority: 0},
		logger: o.logger.With("component", "backend", "store", store),
	}
}

// Register offers db as an external implementation with the given priority.
// If it wins, the previously active implementation is closed and Register
// reports true; otherwise db itself is closed. A close failure is returned
// but does not undo the selection.
//
// On equal priority the newcomer wins. Callers should not rely on this;
// register distinct priorities when the order matters.
func (s *Selector[T]) Register(ctx context.Context, name string, db T, priority int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if err := db.Close(); err != nil {
			return false, errors.Join(ErrClosed, err)
		}
		return false, ErrClosed
	}

	if priority < s.handle.Priority {
		s.logger.Debug("backend rejected, higher priority active",
			"backend", name,
			"priority", priority,
			"active", s.handle.Name,
			"active_priority", s.handle.Priority,
		)
		telemetry.RecordBackendRegistration(ctx, s.store, name, "rejected")
		if err := db.Close(); err != nil {
			return false, fmt.Errorf("closing rejected backend %s: %w", name, err)
		}
		return false, nil
	}

	prev, prevHandle := s.active, s.handle
	s.active = db
	s.handle = Handle{Name: name, Kind: KindExternal, Priority: priority}

	s.logger.Info("backend activated",
		"backend", name,
		"priority", priority,
		"replaced", prevHandle.Name,
	)
	telemetry.RecordBackendRegistration(ctx, s.store, name, "activated")

	if err := prev.Close(); err != nil {
		return true, fmt.Errorf("closing replaced backend %s: %w", prevHandle.Name, err)
	}
	return true, nil
}

// Active returns the active implementation.
func (s *Selector[T]) Active() T {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// Handle describes the active implementation.
func (s *Selector[T]) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handle
}

// Close closes the active implementation. Further calls do nothing.
func (s *Selector[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("closing backend %s: %w", s.handle.Name, err)
	}
	return nil
}
