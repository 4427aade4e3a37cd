// Package statcv implements statistical speaker conversion of excitation
// features.
//
// Each speaker owns a statistics record of per-dimension means and scales.
// Conversion rescales the excitation column (conventionally the log-F0 column
// at index 1) from the source speaker's distribution into the target's:
//
//	y = trgScale/srcScale * (x - srcMean) + trgMean
//
// Only element 1 of each statistics vector is used.
package statcv

import (
	"errors"
	"fmt"
)

// ExcitationColumn is the feature column rescaled by [Convert].
const ExcitationColumn = 1

var (
	// ErrShortStats is returned when a statistics vector does not cover the
	// excitation column.
	ErrShortStats = errors.New("statcv: statistics vector too short")

	// ErrZeroScale is returned when the source scale is zero.
	ErrZeroScale = errors.New("statcv: zero source scale")
)

// Stats is a speaker's per-dimension feature statistics.
type Stats struct {
	Mean  []float32
	Scale []float32
}

// Excitation returns the mean and scale of the excitation column.
func (s Stats) Excitation() (mean, scale float32, err error) {
	if len(s.Mean) <= ExcitationColumn || len(s.Scale) <= ExcitationColumn {
		return 0, 0, fmt.Errorf("%w: mean has %d entries, scale has %d",
			ErrShortStats, len(s.Mean), len(s.Scale))
	}
	return s.Mean[ExcitationColumn], s.Scale[ExcitationColumn], nil
}

// Convert returns a new feature matrix in which the excitation column of
// feat has been moved from src's distribution to trg's. All other columns
// are copied unchanged. When cutoff > 0, columns at or beyond cutoff are
// omitted from the result; cutoff must then leave the excitation column in
// place.
func Convert(feat [][]float32, src, trg Stats, cutoff int) ([][]float32, error) {
	if cutoff > 0 && cutoff <= ExcitationColumn {
		return nil, fmt.Errorf("statcv: cutoff %d drops the excitation column", cutoff)
	}
	srcMean, srcScale, err := src.Excitation()
	if err != nil {
		return nil, fmt.Errorf("statcv: source: %w", err)
	}
	trgMean, trgScale, err := trg.Excitation()
	if err != nil {
		return nil, fmt.Errorf("statcv: target: %w", err)
	}
	if srcScale == 0 {
		return nil, ErrZeroScale
	}
	ratio := trgScale / srcScale

	out := make([][]float32, len(feat))
	for t, row := range feat {
		if len(row) <= ExcitationColumn {
			return nil, fmt.Errorf("statcv: frame %d has %d columns, need at least %d",
				t, len(row), ExcitationColumn+1)
		}
		width := len(row)
		if cutoff > 0 && cutoff < width {
			width = cutoff
		}
		conv := make([]float32, width)
		copy(conv, row[:width])
		if src.equal(trg) {
			out[t] = conv
			continue
		}
		conv[ExcitationColumn] = ratio*(row[ExcitationColumn]-srcMean) + trgMean
		out[t] = conv
	}
	return out, nil
}

// equal reports whether s and o share excitation statistics. Conversion
// between equal statistics is the exact identity.
func (s Stats) equal(o Stats) bool {
	return s.Mean[ExcitationColumn] == o.Mean[ExcitationColumn] &&
		s.Scale[ExcitationColumn] == o.Scale[ExcitationColumn]
}
