// Package mock provides an in-memory test double for [wave.Reader].
package mock

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/MrWong99/cyclevc/pkg/wave"
)

var _ wave.Reader = (*Reader)(nil)

// Reader serves waveforms from memory and records every path it was asked
// for. It is safe for concurrent use.
type Reader struct {
	mu    sync.Mutex
	files map[string][]float32
	reads []string

	// SampleRate is returned alongside every waveform. Default: 16000.
	SampleRate int

	// Err is returned by Read when non-nil.
	Err error
}

// New returns an empty Reader.
func New() *Reader {
	return &Reader{files: make(map[string][]float32), SampleRate: 16000}
}

// Put registers samples under path.
func (r *Reader) Put(path string, samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = samples
}

// Read implements [wave.Reader]. Unknown paths return an error wrapping
// [os.ErrNotExist]. The returned slice is a copy.
func (r *Reader) Read(_ context.Context, path string) ([]float32, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, path)
	if r.Err != nil {
		return nil, 0, r.Err
	}
	s, ok := r.files[path]
	if !ok {
		return nil, 0, fmt.Errorf("mock wave: %q: %w", path, os.ErrNotExist)
	}
	return append([]float32(nil), s...), r.SampleRate, nil
}

// Reads returns the paths passed to Read, in call order.
func (r *Reader) Reads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reads...)
}
