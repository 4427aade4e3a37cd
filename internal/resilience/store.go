package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/cyclevc/pkg/featstore"
)

var _ featstore.Store = (*Store)(nil)

// Store guards the reads of a [featstore.Store] with a [CircuitBreaker].
// [featstore.ErrNotFound] is an answer, not a backend failure, and never
// counts against the breaker. Ping bypasses the breaker so that readiness
// reports the backend's real state.
type Store struct {
	next featstore.Store
	cb   *CircuitBreaker
}

// NewStore wraps next. cfg.IsFailure is overridden to ignore
// [featstore.ErrNotFound].
func NewStore(next featstore.Store, cfg CircuitBreakerConfig) *Store {
	if cfg.Name == "" {
		cfg.Name = "featstore"
	}
	cfg.IsFailure = func(err error) bool {
		return defaultIsFailure(err) && !errors.Is(err, featstore.ErrNotFound)
	}
	return &Store{next: next, cb: NewCircuitBreaker(cfg)}
}

// Breaker returns the underlying breaker.
func (s *Store) Breaker() *CircuitBreaker { return s.cb }

// Exists implements [featstore.Reader].
func (s *Store) Exists(ctx context.Context, file, key string) (bool, error) {
	return guard(s.cb, func() (bool, error) { return s.next.Exists(ctx, file, key) })
}

// HasFile implements [featstore.Reader].
func (s *Store) HasFile(ctx context.Context, file string) (bool, error) {
	return guard(s.cb, func() (bool, error) { return s.next.HasFile(ctx, file) })
}

// ReadMatrix implements [featstore.Reader].
func (s *Store) ReadMatrix(ctx context.Context, file, key string) ([][]float32, error) {
	return guard(s.cb, func() ([][]float32, error) { return s.next.ReadMatrix(ctx, file, key) })
}

// ReadVector implements [featstore.Reader].
func (s *Store) ReadVector(ctx context.Context, file, key string) ([]float32, error) {
	return guard(s.cb, func() ([]float32, error) { return s.next.ReadVector(ctx, file, key) })
}

// Ping implements [featstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func guard[R any](cb *CircuitBreaker, fn func() (R, error)) (R, error) {
	var out R
	err := cb.Execute(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
