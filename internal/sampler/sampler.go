// Package sampler draws random conversion targets for cyclic training.
//
// For every training example the source utterance is converted towards
// NumCV randomly chosen target speakers. Each draw yields a frame-wise target
// code sequence, the target speaker's name, and (when the dataset layout
// supports excitation conversion) a statistically converted copy of the
// source features.
//
// Draw order carries no meaning; consumers treat the draws as an unordered
// set of conversion candidates.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/cyclevc/pkg/align"
	"github.com/MrWong99/cyclevc/pkg/statcv"
)

// ErrTooFewSpeakers is returned when fewer than two speakers are available,
// which leaves no target distinct from the source.
var ErrTooFewSpeakers = errors.New("sampler: need at least two speakers")

// StatsSource loads a speaker's statistics by speaker index.
type StatsSource interface {
	SpeakerStats(ctx context.Context, speaker int) (statcv.Stats, error)
}

// NumCV returns the number of unique conversion candidates drawn per example
// for nCyc cyclic passes: ceil(max(nCyc, 2) / 2). Cyclic training consumes
// targets in forward/backward pairs.
func NumCV(nCyc int) int {
	nCyc = max(nCyc, 2)
	return nCyc/2 + nCyc%2
}

// Request describes a single sampling call.
type Request struct {
	// Source is the index of the source speaker.
	Source int

	// Count is the number of targets to draw.
	Count int

	// Frames is the length of every target code sequence.
	Frames int

	// Features, when non-nil, are converted towards every drawn target using
	// SourceStats and Cutoff (see [statcv.Convert]).
	Features    [][]float32
	SourceStats statcv.Stats
	Cutoff      int
}

// Draws holds the parallel results of a sampling call, indexed by draw.
type Draws struct {
	Indices   []int
	Speakers  []string
	Codes     [][]int64
	Converted [][][]float32 // nil when Request.Features was nil
}

// Sampler draws target speakers uniformly at random, excluding the source.
// It is safe for concurrent use.
type Sampler struct {
	speakers []string
	stats    StatsSource

	mu  sync.Mutex
	rng *rand.Rand
}

// Option is a functional option for configuring a [Sampler].
type Option func(*Sampler)

// WithRand sets the random source. Tests use a seeded source to make draws
// reproducible. Default: a PCG source seeded from the wall clock.
func WithRand(r *rand.Rand) Option {
	return func(s *Sampler) {
		if r != nil {
			s.rng = r
		}
	}
}

// New returns a Sampler over the given speaker list.
func New(speakers []string, stats StatsSource, opts ...Option) (*Sampler, error) {
	if len(speakers) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewSpeakers, len(speakers))
	}
	now := uint64(time.Now().UnixNano())
	s := &Sampler{
		speakers: append([]string(nil), speakers...),
		stats:    stats,
		rng:      rand.New(rand.NewPCG(now, now>>17|1)),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Draw returns one target index in [0, len(speakers)) that differs from src.
// Collisions are re-drawn without limit.
func (s *Sampler) Draw(src int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.speakers)
	idx := s.rng.IntN(n)
	for idx == src {
		idx = s.rng.IntN(n)
	}
	return idx
}

// Sample performs req.Count independent draws.
func (s *Sampler) Sample(ctx context.Context, req Request) (Draws, error) {
	if req.Source < 0 || req.Source >= len(s.speakers) {
		return Draws{}, fmt.Errorf("sampler: source index %d out of range [0, %d)", req.Source, len(s.speakers))
	}
	d := Draws{
		Indices:  make([]int, req.Count),
		Speakers: make([]string, req.Count),
		Codes:    make([][]int64, req.Count),
	}
	if req.Features != nil {
		d.Converted = make([][][]float32, req.Count)
	}

	for i := range req.Count {
		idx := s.Draw(req.Source)
		d.Indices[i] = idx
		d.Speakers[i] = s.speakers[idx]
		d.Codes[i] = align.Repeat(int64(idx), req.Frames)

		if req.Features == nil {
			continue
		}
		trg, err := s.stats.SpeakerStats(ctx, idx)
		if err != nil {
			return Draws{}, fmt.Errorf("sampler: stats for %q: %w", s.speakers[idx], err)
		}
		cv, err := statcv.Convert(req.Features, req.SourceStats, trg, req.Cutoff)
		if err != nil {
			return Draws{}, fmt.Errorf("sampler: convert towards %q: %w", s.speakers[idx], err)
		}
		d.Converted[i] = cv
	}
	return d, nil
}
