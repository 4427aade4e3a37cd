package dataset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/cyclevc/internal/observe"
	"github.com/MrWong99/cyclevc/internal/pairing"
	"github.com/MrWong99/cyclevc/pkg/featstore"
	"github.com/MrWong99/cyclevc/pkg/statcv"
)

// ErrUnknownSpeaker is returned when an utterance's speaker directory is not
// in the configured speaker list.
var ErrUnknownSpeaker = errors.New("dataset: unknown speaker")

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" hint.
const suggestThreshold = 0.80

// Speakers is the ordered speaker list. A speaker's index is its position in
// the list.
type Speakers struct {
	names []string
	index map[string]int
}

// NewSpeakers validates names and returns the index.
func NewSpeakers(names []string) (*Speakers, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("dataset: speaker list is empty")
	}
	s := &Speakers{names: append([]string(nil), names...), index: make(map[string]int, len(names))}
	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("dataset: speaker %d has an empty name", i)
		}
		if j, dup := s.index[n]; dup {
			return nil, fmt.Errorf("dataset: speaker %q listed twice (positions %d and %d)", n, j, i)
		}
		s.index[n] = i
	}
	return s, nil
}

// Len returns the number of speakers.
func (s *Speakers) Len() int { return len(s.names) }

// Names returns a copy of the speaker list.
func (s *Speakers) Names() []string { return append([]string(nil), s.names...) }

// Name returns the name of speaker i.
func (s *Speakers) Name(i int) string { return s.names[i] }

// Index returns the position of name. Unknown names yield an error wrapping
// [ErrUnknownSpeaker], with the closest known name as a hint when one is
// similar enough.
func (s *Speakers) Index(name string) (int, error) {
	if i, ok := s.index[name]; ok {
		return i, nil
	}
	if best := s.closest(name); best != "" {
		return 0, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownSpeaker, name, best)
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownSpeaker, name)
}

// Of returns the index of the speaker owning file.
func (s *Speakers) Of(file string) (int, error) {
	i, err := s.Index(pairing.SpeakerOf(file))
	if err != nil {
		return 0, fmt.Errorf("%w (file %s)", err, file)
	}
	return i, nil
}

func (s *Speakers) closest(name string) string {
	var (
		best  string
		score float64
	)
	lower := strings.ToLower(name)
	for _, n := range s.names {
		if sc := matchr.JaroWinkler(lower, strings.ToLower(n), false); sc > score {
			best, score = n, sc
		}
	}
	if score < suggestThreshold {
		return ""
	}
	return best
}

// StatsReader loads per-speaker statistics from the feature store. It
// implements sampler.StatsSource.
type StatsReader struct {
	store    featstore.Reader
	files    []string
	meanKey  string
	scaleKey string
	metrics  *observe.Metrics
}

// NewStatsReader returns a reader over files, one statistics file per
// speaker index, using the layout's statistics keys.
func NewStatsReader(store featstore.Reader, files []string, layout Layout, metrics *observe.Metrics) *StatsReader {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &StatsReader{
		store:    store,
		files:    files,
		meanKey:  layout.MeanKey,
		scaleKey: layout.ScaleKey,
		metrics:  metrics,
	}
}

// SpeakerStats returns the statistics of speaker i.
func (r *StatsReader) SpeakerStats(ctx context.Context, i int) (statcv.Stats, error) {
	if i < 0 || i >= len(r.files) {
		return statcv.Stats{}, fmt.Errorf("dataset: no statistics file for speaker %d", i)
	}
	file := r.files[i]
	r.metrics.RecordStoreRead(ctx, "stats")
	mean, err := r.store.ReadVector(ctx, file, r.meanKey)
	if err != nil {
		return statcv.Stats{}, fmt.Errorf("dataset: read %s%s: %w", file, r.meanKey, err)
	}
	r.metrics.RecordStoreRead(ctx, "stats")
	scale, err := r.store.ReadVector(ctx, file, r.scaleKey)
	if err != nil {
		return statcv.Stats{}, fmt.Errorf("dataset: read %s%s: %w", file, r.scaleKey, err)
	}
	return statcv.Stats{Mean: mean, Scale: scale}, nil
}
