package dataset

import (
	"context"
	"fmt"

	"github.com/MrWong99/cyclevc/internal/observe"
	"github.com/MrWong99/cyclevc/internal/pairing"
	"github.com/MrWong99/cyclevc/pkg/statcv"
)

// EvalExample is one evaluation pair.
type EvalExample struct {
	File          string `json:"file"`
	TargetFile    string `json:"target_file"`
	TargetSpeaker string `json:"target_speaker"`

	// Valid reports whether TargetFile exists. When false every Target*
	// field repeats the corresponding source field.
	Valid bool `json:"valid"`

	Feat      [][]float32 `json:"feat"`
	FrameLen  int         `json:"frame_len"`
	SpeechIdx []int64     `json:"speech_idx"`
	SpeechLen int         `json:"speech_len"`

	SourceCodes []int64 `json:"source_codes"`
	TargetCodes []int64 `json:"target_codes"`

	// Converted is the source converted towards the target's statistics,
	// nil when the layout has no excitation conversion.
	Converted [][]float32 `json:"converted"`

	TargetFeat      [][]float32 `json:"target_feat"`
	TargetFrameLen  int         `json:"target_frame_len"`
	TargetSpeechIdx []int64     `json:"target_speech_idx"`
	TargetSpeechLen int         `json:"target_speech_len"`

	// Full carries the unrestricted source when the speech-region
	// restriction is on, nil otherwise.
	Full *FullLength `json:"full,omitempty"`
}

// FullLength holds unrestricted source sequences.
type FullLength struct {
	Feat        [][]float32 `json:"feat"`
	FrameLen    int         `json:"frame_len"`
	SourceCodes []int64     `json:"source_codes"`
	TargetCodes []int64     `json:"target_codes"`
}

// Mode implements [Example].
func (*EvalExample) Mode() Mode { return ModeEval }

// EvalWaveExample is an evaluation pair with the source waveform.
type EvalWaveExample struct {
	EvalExample

	X         []float32 `json:"x"`
	XCodes    []int64   `json:"x_codes"`
	SampleLen int       `json:"sample_len"`
}

// Mode implements [Example].
func (*EvalWaveExample) Mode() Mode { return ModeEvalWave }

// EvalConfig configures an [Eval] assembler.
type EvalConfig struct {
	Common

	// Speakers is the ordered speaker list and StatFiles the per-speaker
	// statistics files, parallel to it.
	Speakers  []string
	StatFiles []string

	// FeatFiles holds each speaker's evaluation utterances. WaveFiles, when
	// non-nil, is parallel to it and switches to [EvalWaveExample].
	FeatFiles [][]string
	WaveFiles [][]string

	Features FeatureSpec

	// SpeechRange restricts source features to the speech region and adds
	// the unrestricted [FullLength] fields.
	SpeechRange bool

	// Eligible selects the speakers that take part in pairing. Default:
	// pairing.ReservedPrefix(pairing.DefaultReservedPrefix).
	Eligible pairing.Eligibility
}

// Eval assembles evaluation examples from a fixed pairing table.
type Eval struct {
	base
	table    *pairing.Table
	speakers *Speakers
	stats    *StatsReader
	spcidx   bool
}

// NewEval builds the pairing table and returns an Eval assembler. Target
// recordings missing from FeatFiles are looked up in the store.
func NewEval(ctx context.Context, cfg EvalConfig) (*Eval, error) {
	if len(cfg.StatFiles) != len(cfg.Speakers) {
		return nil, fmt.Errorf("dataset: eval: %d speakers but %d statistics files", len(cfg.Speakers), len(cfg.StatFiles))
	}
	layout, err := ResolveLayout(cfg.Features)
	if err != nil {
		return nil, err
	}
	mode := ModeEval
	if cfg.WaveFiles != nil {
		mode = ModeEvalWave
	}
	b, err := newBase(cfg.Common, mode, layout, cfg.WaveFiles != nil)
	if err != nil {
		return nil, err
	}
	spk, err := NewSpeakers(cfg.Speakers)
	if err != nil {
		return nil, err
	}

	table, err := pairing.Build(ctx, pairing.Input{
		Speakers: cfg.Speakers,
		Files:    cfg.FeatFiles,
		Waves:    cfg.WaveFiles,
		Eligible: cfg.Eligible,
		Checker:  cfg.Store,
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: eval: %w", err)
	}
	logTable(ctx, b.Metrics, table)

	return &Eval{
		base:     b,
		table:    table,
		speakers: spk,
		stats:    NewStatsReader(cfg.Store, cfg.StatFiles, layout, b.Metrics),
		spcidx:   cfg.SpeechRange,
	}, nil
}

func logTable(ctx context.Context, m *observe.Metrics, t *pairing.Table) {
	log := observe.Logger(ctx)
	var valid, invalid int
	for _, b := range t.Blocks() {
		valid += b.Valid
		invalid += b.Invalid
		if b.Fallback {
			log.Warn("no target recordings for source speaker, using placeholder pairs",
				"source", b.Source, "target", b.Target, "utterances", b.Invalid)
			continue
		}
		if b.Target != b.NaturalTarget {
			log.Debug("natural target lacks recordings, paired with fallback",
				"source", b.Source, "natural_target", b.NaturalTarget, "target", b.Target)
		}
	}
	m.RecordPairingRows(ctx, true, valid)
	m.RecordPairingRows(ctx, false, invalid)
	log.Info("evaluation pairing built",
		"sources", len(t.Blocks()), "rows", t.Len(), "valid", valid, "invalid", invalid)
}

// Len returns the number of pairing rows.
func (e *Eval) Len() int { return e.table.Len() }

// Table returns the pairing table.
func (e *Eval) Table() *pairing.Table { return e.table }

// Get implements [Source]. It returns an *EvalExample, or an
// *EvalWaveExample when wave files are configured.
func (e *Eval) Get(ctx context.Context, i int) (Example, error) {
	return e.instrument(ctx, e.mode, i, func(ctx context.Context) (Example, error) {
		return e.get(ctx, i)
	})
}

func (e *Eval) get(ctx context.Context, i int) (Example, error) {
	if err := checkIndex(i, e.table.Len()); err != nil {
		return nil, err
	}
	p := e.table.At(i)
	withWave := e.mode == ModeEvalWave

	feat, err := e.readFeatures(ctx, p.Source)
	if err != nil {
		return nil, err
	}
	src, err := e.speakers.Of(p.Source)
	if err != nil {
		return nil, err
	}
	trg, err := e.speakers.Index(p.TargetSpeaker)
	if err != nil {
		return nil, err
	}
	spc, err := e.readSpeechRange(ctx, p.Source)
	if err != nil {
		return nil, err
	}

	full := feat
	from := 0
	if e.spcidx {
		if feat, from, err = restrict(p.Source, feat, spc, withWave); err != nil {
			return nil, err
		}
	}

	var x []float32
	if withWave {
		if x, feat, err = e.readWave(ctx, p.SourceWave, feat, e.spcidx); err != nil {
			return nil, err
		}
	}
	flen := len(feat)

	ex := EvalExample{
		File:          p.Source,
		TargetFile:    p.Target,
		TargetSpeaker: p.TargetSpeaker,
		Valid:         p.Valid,
		FrameLen:      flen,
		SpeechLen:     len(spc),
		SpeechIdx:     e.padInts(spc),
		SourceCodes:   e.codes(src, flen),
		TargetCodes:   e.codes(trg, flen),
	}

	if e.layout.Convert {
		if ex.Converted, err = e.convert(ctx, feat, src, trg); err != nil {
			return nil, err
		}
	}

	if p.Valid {
		if err := e.readTarget(ctx, &ex, p.Target); err != nil {
			return nil, err
		}
	}

	if feat, err = e.withUV(ctx, p.Source, feat, from); err != nil {
		return nil, err
	}
	ex.Feat = e.padFeat(feat)

	if e.spcidx {
		if full, err = e.withUV(ctx, p.Source, full, 0); err != nil {
			return nil, err
		}
		ex.Full = &FullLength{
			Feat:        e.padFeat(full),
			FrameLen:    len(full),
			SourceCodes: e.codes(src, len(full)),
			TargetCodes: e.codes(trg, len(full)),
		}
	}

	if !p.Valid {
		ex.TargetFeat = ex.Feat
		ex.TargetFrameLen = ex.FrameLen
		ex.TargetSpeechIdx = ex.SpeechIdx
		ex.TargetSpeechLen = ex.SpeechLen
	}

	if withWave {
		w := e.finishWave(x)
		return &EvalWaveExample{EvalExample: ex, X: w.X, XCodes: w.XCodes, SampleLen: w.SampleLen}, nil
	}
	return &ex, nil
}

func (e *Eval) convert(ctx context.Context, feat [][]float32, src, trg int) ([][]float32, error) {
	srcStats, err := e.stats.SpeakerStats(ctx, src)
	if err != nil {
		return nil, err
	}
	trgStats, err := e.stats.SpeakerStats(ctx, trg)
	if err != nil {
		return nil, err
	}
	cv, err := statcv.Convert(feat, srcStats, trgStats, e.layout.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("dataset: convert %s: %w", e.speakers.Name(src), err)
	}
	return e.padFeat(cv), nil
}

// readTarget fills the Target* fields from the paired target utterance,
// unrestricted.
func (e *Eval) readTarget(ctx context.Context, ex *EvalExample, file string) error {
	feat, err := e.readFeatures(ctx, file)
	if err != nil {
		return err
	}
	spc, err := e.readSpeechRange(ctx, file)
	if err != nil {
		return err
	}
	ex.TargetFrameLen = len(feat)
	ex.TargetSpeechLen = len(spc)
	if feat, err = e.withUV(ctx, file, feat, 0); err != nil {
		return err
	}
	ex.TargetFeat = e.padFeat(feat)
	ex.TargetSpeechIdx = e.padInts(spc)
	return nil
}
