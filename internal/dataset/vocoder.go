package dataset

import (
	"context"
	"fmt"

	"github.com/MrWong99/cyclevc/internal/observe"
	"github.com/MrWong99/cyclevc/pkg/align"
	"github.com/MrWong99/cyclevc/pkg/featstore"
	"github.com/MrWong99/cyclevc/pkg/wave"
)

// VocoderExample is one waveform/feature pair for vocoder training.
type VocoderExample struct {
	// X is the padded waveform. It is nil when the waveform was quantized
	// without a decoder; XCodes holds the codes instead.
	X      []float32 `json:"x"`
	XCodes []int64   `json:"x_codes"`

	// XIn holds the input-quantized waveform when an input encoder is
	// configured.
	XIn []int64 `json:"x_in,omitempty"`

	Feat      [][]float32 `json:"feat"`
	SampleLen int         `json:"sample_len"`
	FrameLen  int         `json:"frame_len"`
	FeatFile  string      `json:"feat_file"`
}

// Mode implements [Example].
func (*VocoderExample) Mode() Mode { return ModeVocoder }

// VocoderConfig configures a [Vocoder].
type VocoderConfig struct {
	Common

	// WaveFiles and FeatFiles are parallel utterance lists.
	WaveFiles []string
	FeatFiles []string

	// FeatureKey is the primary feature key. Utterances without it are read
	// from [featstore.KeyMceplf0cap] instead.
	FeatureKey string

	// InputQuantize, when set, produces XIn from the aligned waveform.
	InputQuantize wave.Encoder

	// Dequantize, when set together with Common.Quantize, maps the codes
	// back to samples so that X stays a waveform.
	Dequantize wave.Decoder
}

// Vocoder assembles [VocoderExample] values.
type Vocoder struct {
	base
	waves   []string
	feats   []string
	key     string
	quantIn wave.Encoder
	dequant wave.Decoder
}

// NewVocoder validates cfg and returns a Vocoder.
func NewVocoder(cfg VocoderConfig) (*Vocoder, error) {
	if len(cfg.WaveFiles) != len(cfg.FeatFiles) {
		return nil, fmt.Errorf("dataset: vocoder: %d wave files but %d feature files", len(cfg.WaveFiles), len(cfg.FeatFiles))
	}
	if cfg.FeatureKey == "" {
		return nil, fmt.Errorf("dataset: vocoder: feature key is required")
	}
	b, err := newBase(cfg.Common, ModeVocoder, Layout{Spec: FeatureSpec{Key: cfg.FeatureKey}}, true)
	if err != nil {
		return nil, err
	}
	return &Vocoder{
		base:    b,
		waves:   append([]string(nil), cfg.WaveFiles...),
		feats:   append([]string(nil), cfg.FeatFiles...),
		key:     cfg.FeatureKey,
		quantIn: cfg.InputQuantize,
		dequant: cfg.Dequantize,
	}, nil
}

// Len returns the number of utterances.
func (v *Vocoder) Len() int { return len(v.feats) }

// Get implements [Source].
func (v *Vocoder) Get(ctx context.Context, i int) (Example, error) {
	return v.instrument(ctx, ModeVocoder, i, func(ctx context.Context) (Example, error) {
		return v.get(ctx, i)
	})
}

func (v *Vocoder) get(ctx context.Context, i int) (*VocoderExample, error) {
	if err := checkIndex(i, len(v.feats)); err != nil {
		return nil, err
	}
	file := v.feats[i]
	feat, err := v.readPrimary(ctx, file)
	if err != nil {
		return nil, err
	}
	x, feat, err := v.readWave(ctx, v.waves[i], feat, false)
	if err != nil {
		return nil, err
	}

	ex := &VocoderExample{FeatFile: file, FrameLen: len(feat), SampleLen: len(x)}
	n := v.sampleBudget()
	if v.quantIn != nil {
		ex.XIn = align.PadSamples(v.quantIn(x), n, align.Zero())
	}
	switch {
	case v.Quantize != nil && v.dequant != nil:
		ex.X = align.PadSamples(v.dequant(v.Quantize(x)), n, align.Zero())
	case v.Quantize != nil:
		ex.XCodes = align.PadSamples(v.Quantize(x), n, align.Zero())
	default:
		ex.X = align.PadSamples(x, n, align.Zero())
	}
	ex.Feat = v.padFeat(feat)
	return ex, nil
}

// readPrimary reads the primary feature key, falling back to the legacy
// combined record when the utterance predates it.
func (v *Vocoder) readPrimary(ctx context.Context, file string) ([][]float32, error) {
	ok, err := v.Store.Exists(ctx, file, v.key)
	if err != nil {
		return nil, fmt.Errorf("dataset: check %s%s: %w", file, v.key, err)
	}
	if ok {
		return v.readMatrix(ctx, file, v.key)
	}
	observe.Logger(ctx).Debug("primary feature key missing, using legacy key",
		"file", file, "key", v.key, "legacy_key", featstore.KeyMceplf0cap)
	v.Metrics.RecordStoreFallback(ctx)
	return v.readMatrix(ctx, file, featstore.KeyMceplf0cap)
}
