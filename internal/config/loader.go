package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownFeatureKeys lists the feature keys produced by the extraction
// tooling. Used by [Validate] to warn about unrecognised keys.
var KnownFeatureKeys = []string{
	"/feat_org_lf0",
	"/feat_mceplf0cap",
	"/feat_mel",
	"/log_1pmelmagsp",
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultReservedPrefix = "p"
	DefaultWorkers        = 4
	DefaultMaxBatch       = 256
	DefaultServiceName    = "cyclevc"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Dataset.TrainKind == "" {
		cfg.Dataset.TrainKind = TrainCyclic
	}
	if cfg.Dataset.NumCycles == 0 {
		cfg.Dataset.NumCycles = 1
	}
	if cfg.Dataset.ReservedPrefix == nil {
		p := DefaultReservedPrefix
		cfg.Dataset.ReservedPrefix = &p
	}
	if cfg.Loader.BatchSize == 0 {
		cfg.Loader.BatchSize = 1
	}
	if cfg.Loader.Workers == 0 {
		cfg.Loader.Workers = DefaultWorkers
	}
	if cfg.Loader.MaxBatch == 0 {
		cfg.Loader.MaxBatch = DefaultMaxBatch
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required"))
	}

	// Dataset
	ds := cfg.Dataset
	if len(ds.Speakers) == 0 {
		errs = append(errs, errors.New("dataset.speakers must list at least one speaker"))
	}
	seen := make(map[string]int, len(ds.Speakers))
	for i, name := range ds.Speakers {
		if name == "" {
			errs = append(errs, fmt.Errorf("dataset.speakers[%d] is empty", i))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("dataset.speakers[%d] %q is a duplicate of dataset.speakers[%d]", i, name, prev))
		}
		seen[name] = i
	}
	if len(ds.StatsLists) != len(ds.Speakers) {
		errs = append(errs, fmt.Errorf("dataset.stats has %d entries, want one per speaker (%d)", len(ds.StatsLists), len(ds.Speakers)))
	}
	if ds.TrainKind != "" && !ds.TrainKind.IsValid() {
		errs = append(errs, fmt.Errorf("dataset.train_kind %q is invalid; valid values: cyclic, vocoder", ds.TrainKind))
	}
	if ds.TrainFeatList == "" {
		errs = append(errs, errors.New("dataset.train_feat_list is required"))
	}
	if ds.TrainKind == TrainVocoder && ds.TrainWaveList == "" {
		errs = append(errs, errors.New("dataset.train_wave_list is required when train_kind is vocoder"))
	}
	if len(ds.EvalFeatLists) > 0 && len(ds.EvalFeatLists) != len(ds.Speakers) {
		errs = append(errs, fmt.Errorf("dataset.eval_feat_lists has %d entries, want one per speaker (%d)", len(ds.EvalFeatLists), len(ds.Speakers)))
	}
	if len(ds.EvalWaveLists) > 0 && len(ds.EvalWaveLists) != len(ds.EvalFeatLists) {
		errs = append(errs, fmt.Errorf("dataset.eval_wave_lists has %d entries, want %d to match eval_feat_lists", len(ds.EvalWaveLists), len(ds.EvalFeatLists)))
	}
	if ds.FeatureKey == "" {
		errs = append(errs, errors.New("dataset.feature_key is required"))
	} else if !slices.Contains(KnownFeatureKeys, ds.FeatureKey) {
		slog.Warn("unknown feature key, may be a typo", "feature_key", ds.FeatureKey, "known", KnownFeatureKeys)
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"dataset.excit_dim", ds.ExcitDim},
		{"dataset.cap_exc_dim", ds.CapExcDim},
		{"dataset.upsampling_factor", ds.UpsamplingFactor},
		{"dataset.pad_frames", ds.PadFrames},
		{"dataset.sample_rate", ds.SampleRate},
		{"loader.batch_size", cfg.Loader.BatchSize},
		{"loader.workers", cfg.Loader.Workers},
		{"loader.max_batch", cfg.Loader.MaxBatch},
		{"store.max_failures", cfg.Store.MaxFailures},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.name, f.v))
		}
	}
	if ds.ExcitDim == 1 {
		errs = append(errs, errors.New("dataset.excit_dim 1 leaves no excitation column to convert"))
	}
	if ds.CapExcDim == 1 {
		errs = append(errs, errors.New("dataset.cap_exc_dim 1 overlaps the excitation pair"))
	}
	if ds.NumCycles < 1 {
		errs = append(errs, fmt.Errorf("dataset.n_cyc %d must be at least 1", ds.NumCycles))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"dataset.quantize_bits", ds.QuantizeBits},
		{"dataset.input_quantize_bits", ds.InputQuantizeBits},
	} {
		if f.v < 0 || f.v > 16 {
			errs = append(errs, fmt.Errorf("%s %d is out of range [0, 16]", f.name, f.v))
		}
	}
	if ds.Dequantize && ds.QuantizeBits == 0 {
		errs = append(errs, errors.New("dataset.dequantize requires dataset.quantize_bits"))
	}
	if ds.TrainKind != TrainVocoder && (ds.InputQuantizeBits > 0 || ds.Dequantize) {
		slog.Warn("dataset.input_quantize_bits and dataset.dequantize only apply to vocoder training", "train_kind", ds.TrainKind)
	}
	if ds.UVCap && ds.FeatureKey != "/feat_org_lf0" {
		slog.Warn("dataset.uvcap only applies to /feat_org_lf0 and is ignored", "feature_key", ds.FeatureKey)
	}
	if strings.Contains(ds.FeatureKey, "mel") && ds.ExcitDim == 0 {
		slog.Warn("mel features without dataset.excit_dim carry no conversion targets")
	}
	if ds.TrainWaveList != "" && ds.UpsamplingFactor == 0 {
		slog.Warn("dataset.upsampling_factor is unset; waveforms are treated as frame-synchronous")
	}

	if cfg.Store.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("store.reset_timeout %v must not be negative", cfg.Store.ResetTimeout))
	}

	// Loader
	if cfg.Loader.MaxBatch > 0 && cfg.Loader.BatchSize > cfg.Loader.MaxBatch {
		errs = append(errs, fmt.Errorf("loader.batch_size %d exceeds loader.max_batch %d", cfg.Loader.BatchSize, cfg.Loader.MaxBatch))
	}

	return errors.Join(errs...)
}

// ReadList reads a list file: one path per line. Blank lines and lines
// starting with '#' are skipped; surrounding whitespace is trimmed.
func ReadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open list %q: %w", path, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read list %q: %w", path, err)
	}
	return out, nil
}

// ReadLists reads every list file in paths. An empty paths yields nil.
func ReadLists(paths []string) ([][]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make([][]string, len(paths))
	for i, p := range paths {
		l, err := ReadList(p)
		if err != nil {
			return nil, err
		}
		out[i] = l
	}
	return out, nil
}
