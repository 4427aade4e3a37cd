package dataset

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/cyclevc/pkg/featstore"
)

// LayoutKind distinguishes the two feature families.
type LayoutKind int

const (
	// LayoutExcitation reads excitation-style features (log-F0, codeap,
	// mcep) whose statistics live under keys derived from the feature key.
	LayoutExcitation LayoutKind = iota

	// LayoutMel reads mel-spectrogram features. Statistics always come from
	// the combined mceplf0cap record.
	LayoutMel
)

// String implements [fmt.Stringer].
func (k LayoutKind) String() string {
	if k == LayoutMel {
		return "mel"
	}
	return "excitation"
}

// FeatureSpec selects which arrays make up an utterance's features.
type FeatureSpec struct {
	// Key is the primary feature key, e.g. "/feat_org_lf0" or "/feat_mel".
	Key string

	// ExcitDim is the number of leading excitation columns. Zero means unset.
	ExcitDim int

	// CapExcDim is the first mceplf0cap column kept after the excitation
	// pair when building excitation features from the combined record. Zero
	// means unset.
	CapExcDim int

	// UVCap enables the U/V side channel for the [featstore.KeyOrgLf0]
	// layout.
	UVCap bool
}

// Layout is a [FeatureSpec] resolved into direct read and conversion
// decisions. It is computed once per dataset.
type Layout struct {
	Kind LayoutKind
	Spec FeatureSpec

	// MeanKey and ScaleKey address the per-speaker statistics.
	MeanKey  string
	ScaleKey string

	// UVCap is true when the U/V column of the combined record is appended
	// to the returned features.
	UVCap bool

	// Convert is true when conversion targets are synthesised.
	Convert bool

	// Cutoff is the column cutoff passed to statcv.Convert.
	Cutoff int
}

// ResolveLayout validates spec and resolves it into a [Layout].
func ResolveLayout(spec FeatureSpec) (Layout, error) {
	if spec.Key == "" {
		return Layout{}, fmt.Errorf("dataset: feature key is required")
	}
	if spec.ExcitDim < 0 || spec.CapExcDim < 0 {
		return Layout{}, fmt.Errorf("dataset: negative feature dimension (excit_dim=%d cap_exc_dim=%d)",
			spec.ExcitDim, spec.CapExcDim)
	}
	if spec.ExcitDim == 1 {
		return Layout{}, fmt.Errorf("dataset: excit_dim 1 leaves no excitation column to convert")
	}
	if spec.CapExcDim > 0 && spec.CapExcDim < 2 {
		return Layout{}, fmt.Errorf("dataset: cap_exc_dim %d overlaps the excitation pair", spec.CapExcDim)
	}

	l := Layout{Spec: spec, Cutoff: 2}
	if spec.ExcitDim > 0 && spec.CapExcDim == 0 {
		l.Cutoff = spec.ExcitDim
	}
	if strings.Contains(spec.Key, "mel") {
		l.Kind = LayoutMel
		l.MeanKey = featstore.MeanKey(featstore.KeyMceplf0cap)
		l.ScaleKey = featstore.ScaleKey(featstore.KeyMceplf0cap)
		l.Convert = spec.ExcitDim > 0
		return l, nil
	}
	l.Kind = LayoutExcitation
	l.MeanKey = featstore.MeanKey(spec.Key)
	l.ScaleKey = featstore.ScaleKey(spec.Key)
	l.UVCap = spec.Key == featstore.KeyOrgLf0 && spec.UVCap
	l.Convert = true
	return l, nil
}

// readFeatures reads the unrestricted feature matrix of file.
func (d *base) readFeatures(ctx context.Context, file string) ([][]float32, error) {
	spec := d.layout.Spec
	switch {
	case d.layout.Kind == LayoutMel && spec.ExcitDim > 0:
		comb, err := d.readMatrix(ctx, file, featstore.KeyMceplf0cap)
		if err != nil {
			return nil, err
		}
		mel, err := d.readMatrix(ctx, file, spec.Key)
		if err != nil {
			return nil, err
		}
		head, err := columns(comb, 0, spec.ExcitDim)
		if err != nil {
			return nil, fmt.Errorf("dataset: %s: %w", file, err)
		}
		return hstack(file, head, mel)

	case d.layout.Kind == LayoutExcitation && spec.CapExcDim > 0:
		comb, err := d.readMatrix(ctx, file, featstore.KeyMceplf0cap)
		if err != nil {
			return nil, err
		}
		head, err := columns(comb, 0, 2)
		if err != nil {
			return nil, fmt.Errorf("dataset: %s: %w", file, err)
		}
		tail, err := columns(comb, spec.CapExcDim, -1)
		if err != nil {
			return nil, fmt.Errorf("dataset: %s: %w", file, err)
		}
		return hstack(file, head, tail)

	default:
		return d.readMatrix(ctx, file, spec.Key)
	}
}

// readUV returns rows [from, from+n) of the U/V column of file's combined
// record.
func (d *base) readUV(ctx context.Context, file string, from, n int) ([][]float32, error) {
	comb, err := d.readMatrix(ctx, file, featstore.KeyMceplf0cap)
	if err != nil {
		return nil, err
	}
	if from+n > len(comb) {
		return nil, fmt.Errorf("dataset: %s: U/V rows [%d, %d) exceed %d frames", file, from, from+n, len(comb))
	}
	uv, err := columns(comb[from:from+n], 2, 3)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", file, err)
	}
	return uv, nil
}

// withUV appends the U/V column of rows [from, from+len(feat)) when the
// layout carries it.
func (d *base) withUV(ctx context.Context, file string, feat [][]float32, from int) ([][]float32, error) {
	if !d.layout.UVCap {
		return feat, nil
	}
	uv, err := d.readUV(ctx, file, from, len(feat))
	if err != nil {
		return nil, err
	}
	return hstack(file, feat, uv)
}

// columns returns a copy of columns [from, to) of m. to < 0 means the full
// width.
func columns(m [][]float32, from, to int) ([][]float32, error) {
	out := make([][]float32, len(m))
	for t, row := range m {
		end := to
		if end < 0 {
			end = len(row)
		}
		if from > end || end > len(row) {
			return nil, fmt.Errorf("frame %d has %d columns, need [%d, %d)", t, len(row), from, end)
		}
		out[t] = append([]float32(nil), row[from:end]...)
	}
	return out, nil
}

// hstack concatenates a and b column-wise.
func hstack(file string, a, b [][]float32) ([][]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("dataset: %s: cannot join %d and %d frames", file, len(a), len(b))
	}
	out := make([][]float32, len(a))
	for t := range a {
		row := make([]float32, 0, len(a[t])+len(b[t]))
		row = append(row, a[t]...)
		out[t] = append(row, b[t]...)
	}
	return out, nil
}
