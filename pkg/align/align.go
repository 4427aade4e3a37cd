// Package align reconciles waveform and frame-rate feature sequences and pads
// variable-length sequences to a fixed budget.
//
// A waveform holds one entry per audio sample; a feature sequence holds one
// row per analysis frame. With an upsampling factor f > 0 every frame covers
// exactly f samples, so after [Reconcile]
//
//	len(wave) == len(feat) * f
//
// holds. With f == 0 the two sequences are treated as sample-synchronous and
// are truncated to the same length.
//
// Reconciliation only ever truncates trailing entries; it never pads. Padding
// is a separate, explicit step ([PadSamples], [PadFrames]).
package align

import (
	"errors"
	"fmt"
)

// ErrLengthMismatch is returned when waveform and features cannot be brought
// to ratio-compatible lengths by truncation. It indicates corrupt input data
// and is not meant to be recovered from.
var ErrLengthMismatch = errors.New("align: length mismatch")

// Reconcile truncates wave and feat so that their lengths agree under the
// given upsampling factor. The returned slices share backing arrays with the
// inputs.
func Reconcile[W any, F any](wave []W, feat []F, factor int) ([]W, []F, error) {
	if factor < 0 {
		return nil, nil, fmt.Errorf("%w: negative upsampling factor %d", ErrLengthMismatch, factor)
	}

	if factor == 0 {
		n := min(len(wave), len(feat))
		wave, feat = wave[:n], feat[:n]
		if len(wave) != len(feat) {
			return nil, nil, fmt.Errorf("%w: %d samples vs %d frames", ErrLengthMismatch, len(wave), len(feat))
		}
		return wave, feat, nil
	}

	if rem := len(wave) % factor; rem > 0 {
		wave = wave[:len(wave)-rem]
	}
	want := len(feat) * factor
	switch {
	case len(wave) > want:
		wave = wave[:want]
	case len(wave) < want:
		feat = feat[:len(feat)-(want-len(wave))/factor]
	}

	if len(wave) != len(feat)*factor {
		return nil, nil, fmt.Errorf("%w: %d samples vs %d frames at factor %d",
			ErrLengthMismatch, len(wave), len(feat), factor)
	}
	return wave, feat, nil
}

// TrimToFrames drops trailing samples so that wave covers at most frames
// frames. It is a no-op when wave is already short enough or factor is not
// positive.
func TrimToFrames[W any](wave []W, frames, factor int) []W {
	if factor <= 0 {
		return wave
	}
	if limit := frames * factor; len(wave) > limit {
		return wave[:limit]
	}
	return wave
}
