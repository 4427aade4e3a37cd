// Package dataset assembles aligned, speaker-labelled examples for cyclic
// voice-conversion training and evaluation.
//
// Three assemblers share one read path through a [featstore.Reader]:
//
//   - [Vocoder] yields waveform/feature pairs for neural vocoder training.
//   - [Train] yields source features together with randomly drawn
//     conversion targets for cyclic training.
//   - [Eval] yields deterministically paired source/target utterances.
//
// Each assembler resolves its configuration once at construction and is
// read-only afterwards, so Get may be called concurrently from any number of
// goroutines. Every variable-length output is padded to the configured frame
// budget (features by edge replication, codes, indices and waveforms with
// zeros), and the unpadded length is reported alongside.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/cyclevc/internal/observe"
	"github.com/MrWong99/cyclevc/pkg/align"
	"github.com/MrWong99/cyclevc/pkg/featstore"
	"github.com/MrWong99/cyclevc/pkg/wave"
)

// ErrEmptySpeechRange is returned when an utterance's speech-region record
// holds no indices.
var ErrEmptySpeechRange = errors.New("dataset: empty speech range")

// ErrNoFrames is returned for an utterance whose features hold no frames,
// as stored or after alignment with its waveform.
var ErrNoFrames = errors.New("dataset: no feature frames")

// Mode tags an example variant.
type Mode string

const (
	ModeVocoder   Mode = "vocoder"
	ModeTrain     Mode = "train"
	ModeTrainWave Mode = "train_wave"
	ModeEval      Mode = "eval"
	ModeEvalWave  Mode = "eval_wave"
)

// Example is implemented by every example variant. Consumers switch on the
// concrete type.
type Example interface {
	Mode() Mode
}

// Source is an indexed collection of examples.
type Source interface {
	Len() int
	Get(ctx context.Context, i int) (Example, error)
}

// Common holds the collaborators and budgets shared by all assemblers.
type Common struct {
	// Store serves feature arrays and speaker statistics. Required.
	Store featstore.Reader

	// Waves decodes waveform files. Required when waveforms are configured.
	Waves wave.Reader

	// Metrics records example and store metrics. Default:
	// observe.DefaultMetrics().
	Metrics *observe.Metrics

	// PadFrames is the frame budget every sequence is padded to. Zero
	// disables padding.
	PadFrames int

	// UpsamplingFactor is the number of waveform samples per frame. Zero
	// treats waveform and features as sample-synchronous.
	UpsamplingFactor int

	// Quantize, when set, turns the aligned waveform into codes (the X
	// field becomes XCodes).
	Quantize wave.Encoder
}

// base is the read and padding machinery embedded by every assembler.
type base struct {
	Common
	layout Layout
	mode   Mode
}

func newBase(c Common, mode Mode, layout Layout, withWaves bool) (base, error) {
	if c.Store == nil {
		return base{}, fmt.Errorf("dataset: %s: feature store is required", mode)
	}
	if withWaves && c.Waves == nil {
		return base{}, fmt.Errorf("dataset: %s: wave reader is required when wave files are configured", mode)
	}
	if c.PadFrames < 0 || c.UpsamplingFactor < 0 {
		return base{}, fmt.Errorf("dataset: %s: pad_frames and upsampling_factor must not be negative", mode)
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return base{Common: c, layout: layout, mode: mode}, nil
}

// Layout returns the resolved feature layout.
func (d *base) Layout() Layout { return d.layout }

// instrument wraps one Get call in a span and records its outcome.
func (d *base) instrument(ctx context.Context, mode Mode, i int, fn func(context.Context) (Example, error)) (Example, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "dataset."+string(mode)+".Get",
		trace.WithAttributes(attribute.Int("index", i)),
	)

	ex, err := fn(ctx)
	observe.EndSpan(span, err)
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.Metrics.RecordExample(ctx, string(mode), status, time.Since(start).Seconds())
	return ex, err
}

func (d *base) readMatrix(ctx context.Context, file, key string) ([][]float32, error) {
	d.Metrics.RecordStoreRead(ctx, "features")
	m, err := d.Store.ReadMatrix(ctx, file, key)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s%s: %w", file, key, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: %s%s", ErrNoFrames, file, key)
	}
	return m, nil
}

// readSpeechRange returns the frame indices of file's speech region.
func (d *base) readSpeechRange(ctx context.Context, file string) ([]int64, error) {
	d.Metrics.RecordStoreRead(ctx, "speech_range")
	v, err := d.Store.ReadVector(ctx, file, featstore.KeySpeechRange)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s%s: %w", file, featstore.KeySpeechRange, err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySpeechRange, file)
	}
	idx := make([]int64, len(v))
	for i, x := range v {
		idx[i] = int64(x)
	}
	return idx, nil
}

// restrict cuts feat to the speech region. With a waveform only the trailing
// silence is removed so that the waveform prefix stays aligned; without one
// both ends are cut. It returns the restricted features and the index of
// their first frame in the original sequence.
func restrict(file string, feat [][]float32, spc []int64, withWave bool) ([][]float32, int, error) {
	first, last := int(spc[0]), int(spc[len(spc)-1])
	if first < 0 || first > last || last >= len(feat) {
		return nil, 0, fmt.Errorf("dataset: %s: speech range [%d, %d] outside %d frames", file, first, last, len(feat))
	}
	if withWave {
		return feat[:last+1], 0, nil
	}
	return feat[first : last+1], first, nil
}

// readWave reads and aligns file's waveform with feat. When the features
// were shortened by a speech-region cut the waveform is first trimmed to
// match.
func (d *base) readWave(ctx context.Context, file string, feat [][]float32, trimmed bool) ([]float32, [][]float32, error) {
	d.Metrics.RecordStoreRead(ctx, "wave")
	x, _, err := d.Waves.Read(ctx, file)
	if err != nil {
		return nil, nil, fmt.Errorf("dataset: read wave %s: %w", file, err)
	}
	if trimmed {
		x = align.TrimToFrames(x, len(feat), d.UpsamplingFactor)
	}
	x, feat, err = align.Reconcile(x, feat, d.UpsamplingFactor)
	if err != nil {
		return nil, nil, fmt.Errorf("dataset: %s: %w", file, err)
	}
	if len(feat) == 0 {
		return nil, nil, fmt.Errorf("%w: %s is shorter than one frame", ErrNoFrames, file)
	}
	return x, feat, nil
}

// waveOut is the padded waveform of a wave-carrying example.
type waveOut struct {
	X         []float32
	XCodes    []int64
	SampleLen int
}

func (d *base) finishWave(x []float32) waveOut {
	n := d.sampleBudget()
	out := waveOut{SampleLen: len(x)}
	if d.Quantize != nil {
		out.XCodes = align.PadSamples(d.Quantize(x), n, align.Zero())
		return out
	}
	out.X = align.PadSamples(x, n, align.Zero())
	return out
}

func (d *base) sampleBudget() int {
	if d.UpsamplingFactor == 0 {
		return d.PadFrames
	}
	return d.PadFrames * d.UpsamplingFactor
}

func (d *base) padFeat(m [][]float32) [][]float32 {
	return align.PadFrames(m, d.PadFrames, align.Edge())
}

func (d *base) padInts(v []int64) []int64 {
	return align.PadSamples(v, d.PadFrames, align.Zero())
}

// codes returns a padded frame-wise code sequence of n frames.
func (d *base) codes(speaker, n int) []int64 {
	return d.padInts(align.Repeat(int64(speaker), n))
}

func checkIndex(i, n int) error {
	if i < 0 || i >= n {
		return fmt.Errorf("dataset: index %d out of range [0, %d)", i, n)
	}
	return nil
}
