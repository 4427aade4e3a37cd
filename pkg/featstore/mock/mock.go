// Package mock provides an in-memory test double for [featstore.Store] and
// [featstore.Writer].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that inject errors. It is safe for concurrent use via an
// internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.New()
//	store.PutMatrix("data/A/u1.h5", featstore.KeyMceplf0cap, feat)
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("ReadMatrix"); got != 1 {
//	    t.Errorf("expected 1 ReadMatrix call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/cyclevc/pkg/featstore"
)

var (
	_ featstore.Store  = (*Store)(nil)
	_ featstore.Writer = (*Store)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable in-memory feature store.
type Store struct {
	mu sync.Mutex

	calls    []Call
	matrices map[string]map[string][][]float32
	vectors  map[string]map[string][]float32

	// ReadErr is returned by ReadMatrix and ReadVector when non-nil.
	ReadErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		matrices: make(map[string]map[string][][]float32),
		vectors:  make(map[string]map[string][]float32),
	}
}

// PutMatrix stores m under (file, key) without recording a call.
func (s *Store) PutMatrix(file, key string, m [][]float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.matrices[file] == nil {
		s.matrices[file] = make(map[string][][]float32)
	}
	s.matrices[file][key] = m
}

// PutVector stores v under (file, key) without recording a call.
func (s *Store) PutVector(file, key string, v []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vectors[file] == nil {
		s.vectors[file] = make(map[string][]float32)
	}
	s.vectors[file][key] = v
}

// Exists implements [featstore.Reader].
func (s *Store) Exists(_ context.Context, file, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Exists", file, key)
	_, okM := s.matrices[file][key]
	_, okV := s.vectors[file][key]
	return okM || okV, nil
}

// HasFile implements [featstore.Reader].
func (s *Store) HasFile(_ context.Context, file string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("HasFile", file)
	return len(s.matrices[file]) > 0 || len(s.vectors[file]) > 0, nil
}

// ReadMatrix implements [featstore.Reader]. The returned matrix is a deep
// copy, so callers may modify it freely.
func (s *Store) ReadMatrix(_ context.Context, file, key string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ReadMatrix", file, key)
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	m, ok := s.matrices[file][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s%s", featstore.ErrNotFound, file, key)
	}
	out := make([][]float32, len(m))
	for i, row := range m {
		out[i] = append([]float32(nil), row...)
	}
	return out, nil
}

// ReadVector implements [featstore.Reader].
func (s *Store) ReadVector(_ context.Context, file, key string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ReadVector", file, key)
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	v, ok := s.vectors[file][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s%s", featstore.ErrNotFound, file, key)
	}
	return append([]float32(nil), v...), nil
}

// WriteMatrix implements [featstore.Writer].
func (s *Store) WriteMatrix(_ context.Context, file, key string, m [][]float32) error {
	s.mu.Lock()
	s.record("WriteMatrix", file, key)
	s.mu.Unlock()
	s.PutMatrix(file, key, m)
	return nil
}

// WriteVector implements [featstore.Writer].
func (s *Store) WriteVector(_ context.Context, file, key string, v []float32) error {
	s.mu.Lock()
	s.record("WriteVector", file, key)
	s.mu.Unlock()
	s.PutVector(file, key, v)
	return nil
}

// Ping implements [featstore.Store].
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Ping")
	return s.PingErr
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears the recorded calls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}
