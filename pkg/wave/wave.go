// Package wave reads utterance waveforms and provides the sample transforms
// applied to them before they are fed to the model.
//
// [Reader] is the collaborator interface consumed by the dataset assemblers;
// [WAVReader] is the file-backed implementation. Samples are returned as
// float32 normalised to [-1.0, 1.0).
package wave

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// ErrUnsupportedFormat is returned for WAV files that are not mono PCM.
var ErrUnsupportedFormat = errors.New("wave: unsupported format")

// Reader loads the waveform of an utterance.
type Reader interface {
	// Read returns the samples of the file at path and its sample rate.
	Read(ctx context.Context, path string) (samples []float32, sampleRate int, err error)
}

// WAVReader reads mono PCM WAV files from the local filesystem.
// The zero value is ready to use and safe for concurrent use.
type WAVReader struct {
	// SampleRate, when non-zero, rejects files recorded at a different rate.
	SampleRate int
}

var _ Reader = WAVReader{}

// Read implements [Reader].
func (r WAVReader) Read(ctx context.Context, path string) ([]float32, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("wave: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: %q is not a valid WAV file", ErrUnsupportedFormat, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("wave: read PCM %q: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels != 1 {
		return nil, 0, fmt.Errorf("%w: %q must be mono", ErrUnsupportedFormat, path)
	}
	rate := buf.Format.SampleRate
	if r.SampleRate != 0 && rate != r.SampleRate {
		return nil, 0, fmt.Errorf("%w: %q sampled at %d Hz, want %d Hz",
			ErrUnsupportedFormat, path, rate, r.SampleRate)
	}

	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	if depth <= 0 || depth > 32 {
		return nil, 0, fmt.Errorf("%w: %q has bit depth %d", ErrUnsupportedFormat, path, depth)
	}
	scale := 1 / float32(uint64(1)<<(depth-1))

	samples := make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = float32(s) * scale
	}
	return samples, rate, nil
}
