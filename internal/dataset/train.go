package dataset

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/MrWong99/cyclevc/internal/sampler"
)

// Class-prior logits: the source speaker gets logPriorHit, every other
// speaker logPriorMiss. After a softmax this is a one-hot distribution in
// float32 precision.
const (
	logPriorHit  float32 = 88.72283554
	logPriorMiss float32 = -103
)

// TrainExample is one features-only cyclic training example.
type TrainExample struct {
	File    string `json:"file"`
	Speaker string `json:"speaker"`

	// Feat holds the (speech-restricted) source features, with the U/V
	// column appended when the layout carries it.
	Feat     [][]float32 `json:"feat"`
	FrameLen int         `json:"frame_len"`

	SourceCodes []int64 `json:"source_codes"`

	// TargetCodes, TargetSpeakers and Converted are parallel, one entry per
	// conversion candidate. Converted is nil when the layout has no
	// excitation conversion.
	TargetCodes    [][]int64     `json:"target_codes"`
	TargetSpeakers []string      `json:"target_speakers"`
	Converted      [][][]float32 `json:"converted"`

	// Logits is the class prior over speakers, nil unless enabled.
	Logits []float32 `json:"logits,omitempty"`
}

// Mode implements [Example].
func (*TrainExample) Mode() Mode { return ModeTrain }

// TrainWaveExample is a training example with its aligned waveform.
type TrainWaveExample struct {
	TrainExample

	X         []float32 `json:"x"`
	XCodes    []int64   `json:"x_codes"`
	SampleLen int       `json:"sample_len"`
}

// Mode implements [Example].
func (*TrainWaveExample) Mode() Mode { return ModeTrainWave }

// TrainConfig configures a [Train] assembler.
type TrainConfig struct {
	Common

	// FeatFiles lists the utterances. WaveFiles, when non-nil, is parallel
	// to it and switches the assembler to [TrainWaveExample].
	FeatFiles []string
	WaveFiles []string

	// Speakers is the ordered speaker list and StatFiles the per-speaker
	// statistics files, parallel to it.
	Speakers  []string
	StatFiles []string

	Features FeatureSpec

	// NumCycles is the number of cyclic passes; see [sampler.NumCV].
	NumCycles int

	// SpeechRange restricts features to the speech region.
	SpeechRange bool

	// Logits adds the class prior to features-only examples.
	Logits bool

	// Rand overrides the target sampler's random source.
	Rand *rand.Rand
}

// Train assembles cyclic training examples.
type Train struct {
	base
	feats    []string
	waves    []string
	speakers *Speakers
	stats    *StatsReader
	sampler  *sampler.Sampler
	numCV    int
	spcidx   bool
	logits   bool
}

// NewTrain validates cfg and returns a Train assembler.
func NewTrain(cfg TrainConfig) (*Train, error) {
	if cfg.WaveFiles != nil && len(cfg.WaveFiles) != len(cfg.FeatFiles) {
		return nil, fmt.Errorf("dataset: train: %d wave files but %d feature files", len(cfg.WaveFiles), len(cfg.FeatFiles))
	}
	if len(cfg.StatFiles) != len(cfg.Speakers) {
		return nil, fmt.Errorf("dataset: train: %d speakers but %d statistics files", len(cfg.Speakers), len(cfg.StatFiles))
	}
	layout, err := ResolveLayout(cfg.Features)
	if err != nil {
		return nil, err
	}
	mode := ModeTrain
	if cfg.WaveFiles != nil {
		mode = ModeTrainWave
	}
	b, err := newBase(cfg.Common, mode, layout, cfg.WaveFiles != nil)
	if err != nil {
		return nil, err
	}
	spk, err := NewSpeakers(cfg.Speakers)
	if err != nil {
		return nil, err
	}
	stats := NewStatsReader(cfg.Store, cfg.StatFiles, layout, b.Metrics)

	var opts []sampler.Option
	if cfg.Rand != nil {
		opts = append(opts, sampler.WithRand(cfg.Rand))
	}
	smp, err := sampler.New(cfg.Speakers, stats, opts...)
	if err != nil {
		return nil, fmt.Errorf("dataset: train: %w", err)
	}
	return &Train{
		base:     b,
		feats:    append([]string(nil), cfg.FeatFiles...),
		waves:    append([]string(nil), cfg.WaveFiles...),
		speakers: spk,
		stats:    stats,
		sampler:  smp,
		numCV:    sampler.NumCV(cfg.NumCycles),
		spcidx:   cfg.SpeechRange,
		logits:   cfg.Logits,
	}, nil
}

// Len returns the number of utterances.
func (t *Train) Len() int { return len(t.feats) }

// NumCV returns the number of conversion candidates per example.
func (t *Train) NumCV() int { return t.numCV }

// Get implements [Source]. It returns a *TrainExample, or a
// *TrainWaveExample when wave files are configured.
func (t *Train) Get(ctx context.Context, i int) (Example, error) {
	return t.instrument(ctx, t.mode, i, func(ctx context.Context) (Example, error) {
		return t.get(ctx, i)
	})
}

func (t *Train) get(ctx context.Context, i int) (Example, error) {
	if err := checkIndex(i, len(t.feats)); err != nil {
		return nil, err
	}
	file := t.feats[i]
	withWave := t.mode == ModeTrainWave

	feat, err := t.readFeatures(ctx, file)
	if err != nil {
		return nil, err
	}
	src, err := t.speakers.Of(file)
	if err != nil {
		return nil, err
	}

	from := 0
	if t.spcidx {
		spc, err := t.readSpeechRange(ctx, file)
		if err != nil {
			return nil, err
		}
		if feat, from, err = restrict(file, feat, spc, withWave); err != nil {
			return nil, err
		}
	}

	var x []float32
	if withWave {
		if x, feat, err = t.readWave(ctx, t.waves[i], feat, t.spcidx); err != nil {
			return nil, err
		}
	}
	flen := len(feat)

	req := sampler.Request{Source: src, Count: t.numCV, Frames: flen}
	if t.layout.Convert {
		srcStats, err := t.stats.SpeakerStats(ctx, src)
		if err != nil {
			return nil, err
		}
		req.Features = feat
		req.SourceStats = srcStats
		req.Cutoff = t.layout.Cutoff
	}
	draws, err := t.sampler.Sample(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", file, err)
	}

	feat, err = t.withUV(ctx, file, feat, from)
	if err != nil {
		return nil, err
	}

	ex := TrainExample{
		File:           file,
		Speaker:        t.speakers.Name(src),
		Feat:           t.padFeat(feat),
		FrameLen:       flen,
		SourceCodes:    t.codes(src, flen),
		TargetCodes:    make([][]int64, len(draws.Codes)),
		TargetSpeakers: draws.Speakers,
	}
	for k, c := range draws.Codes {
		ex.TargetCodes[k] = t.padInts(c)
	}
	if draws.Converted != nil {
		ex.Converted = make([][][]float32, len(draws.Converted))
		for k, cv := range draws.Converted {
			ex.Converted[k] = t.padFeat(cv)
		}
	}

	if withWave {
		w := t.finishWave(x)
		return &TrainWaveExample{TrainExample: ex, X: w.X, XCodes: w.XCodes, SampleLen: w.SampleLen}, nil
	}
	if t.logits {
		ex.Logits = make([]float32, t.speakers.Len())
		for k := range ex.Logits {
			ex.Logits[k] = logPriorMiss
		}
		ex.Logits[src] = logPriorHit
	}
	return &ex, nil
}
