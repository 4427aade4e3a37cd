package align_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/cyclevc/pkg/align"
)

func frames(n, width int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, width)
		for j := range out[i] {
			out[i][j] = float32(i*width + j)
		}
	}
	return out
}

func TestReconcile_UpsamplingScenario(t *testing.T) {
	t.Parallel()
	wave := make([]float32, 16001)
	feat := frames(100, 3)

	gotWave, gotFeat, err := align.Reconcile(wave, feat, 160)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(gotWave) != 16000 {
		t.Errorf("len(wave) = %d, want 16000", len(gotWave))
	}
	if len(gotFeat) != 100 {
		t.Errorf("len(feat) = %d, want 100", len(gotFeat))
	}
}

func TestReconcile_Properties(t *testing.T) {
	t.Parallel()
	for _, factor := range []int{1, 2, 80, 160, 256} {
		for _, nWave := range []int{0, 1, 159, 160, 161, 1000, 16001, 40000} {
			for _, nFeat := range []int{0, 1, 5, 100, 250} {
				wave := make([]float32, nWave)
				feat := frames(nFeat, 2)
				w, f, err := align.Reconcile(wave, feat, factor)
				if err != nil {
					t.Fatalf("factor=%d wave=%d feat=%d: %v", factor, nWave, nFeat, err)
				}
				if len(w) != len(f)*factor {
					t.Errorf("factor=%d wave=%d feat=%d: got %d samples for %d frames",
						factor, nWave, nFeat, len(w), len(f))
				}
				if len(w) > nWave || len(f) > nFeat {
					t.Errorf("factor=%d wave=%d feat=%d: lengths grew to %d/%d",
						factor, nWave, nFeat, len(w), len(f))
				}
			}
		}
	}
}

func TestReconcile_ZeroFactor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		nWave      int
		nFeat      int
		wantLength int
	}{
		{name: "wave longer", nWave: 10, nFeat: 7, wantLength: 7},
		{name: "feat longer", nWave: 4, nFeat: 9, wantLength: 4},
		{name: "equal", nWave: 5, nFeat: 5, wantLength: 5},
		{name: "empty wave", nWave: 0, nFeat: 3, wantLength: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, f, err := align.Reconcile(make([]float32, tt.nWave), frames(tt.nFeat, 1), 0)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if len(w) != tt.wantLength || len(f) != tt.wantLength {
				t.Errorf("lengths = %d/%d, want %d", len(w), len(f), tt.wantLength)
			}
		})
	}
}

func TestReconcile_TruncatesFeaturesFromTrailingEdge(t *testing.T) {
	t.Parallel()
	feat := frames(10, 1)
	_, f, err := align.Reconcile(make([]float32, 4*8+3), feat, 4)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(f) != 8 {
		t.Fatalf("len(feat) = %d, want 8", len(f))
	}
	if f[0][0] != 0 || f[7][0] != 7 {
		t.Errorf("kept frames %v..%v, want leading frames 0..7", f[0], f[7])
	}
}

func TestReconcile_NegativeFactor(t *testing.T) {
	t.Parallel()
	_, _, err := align.Reconcile(make([]float32, 10), frames(2, 1), -1)
	if !errors.Is(err, align.ErrLengthMismatch) {
		t.Errorf("err = %v, want ErrLengthMismatch", err)
	}
}

func TestTrimToFrames(t *testing.T) {
	t.Parallel()
	wave := make([]float32, 1000)
	if got := align.TrimToFrames(wave, 5, 160); len(got) != 800 {
		t.Errorf("len = %d, want 800", len(got))
	}
	if got := align.TrimToFrames(wave, 10, 160); len(got) != 1000 {
		t.Errorf("len = %d, want unchanged 1000", len(got))
	}
	if got := align.TrimToFrames(wave, 1, 0); len(got) != 1000 {
		t.Errorf("factor 0: len = %d, want unchanged 1000", len(got))
	}
}

func TestPadSamples(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []float32
		n    int
		fill align.Fill
		want []float32
	}{
		{name: "constant zero", in: []float32{1, 2, 3}, n: 5, fill: align.Constant(0), want: []float32{1, 2, 3, 0, 0}},
		{name: "zero", in: []float32{1, 2, 3}, n: 5, fill: align.Zero(), want: []float32{1, 2, 3, 0, 0}},
		{name: "constant", in: []float32{1}, n: 3, fill: align.Constant(-1), want: []float32{1, -1, -1}},
		{name: "edge", in: []float32{4, 5}, n: 4, fill: align.Edge(), want: []float32{4, 5, 5, 5}},
		{name: "edge on empty", in: nil, n: 2, fill: align.Edge(), want: []float32{0, 0}},
		{name: "already long", in: []float32{1, 2, 3}, n: 2, fill: align.Zero(), want: []float32{1, 2, 3}},
		{name: "exact", in: []float32{1, 2}, n: 2, fill: align.Edge(), want: []float32{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := align.PadSamples(tt.in, tt.n, tt.fill)
			if !slices.Equal(got, tt.want) {
				t.Errorf("PadSamples = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPadSamples_IntegerCodes(t *testing.T) {
	t.Parallel()
	got := align.PadSamples([]int64{7, 7}, 4, align.Zero())
	if !slices.Equal(got, []int64{7, 7, 0, 0}) {
		t.Errorf("PadSamples = %v", got)
	}
}

func TestPadSamples_DoesNotAliasInput(t *testing.T) {
	t.Parallel()
	in := make([]float32, 2, 10)
	out := align.PadSamples(in, 4, align.Constant(9))
	out[0] = 42
	if in[0] != 0 {
		t.Error("padded slice aliases the input backing array")
	}
}

func TestPadFrames(t *testing.T) {
	t.Parallel()
	in := [][]float32{{1, 2}, {3, 4}}

	t.Run("edge", func(t *testing.T) {
		t.Parallel()
		got := align.PadFrames(in, 4, align.Edge())
		if len(got) != 4 {
			t.Fatalf("len = %d, want 4", len(got))
		}
		for i := 2; i < 4; i++ {
			if !slices.Equal(got[i], []float32{3, 4}) {
				t.Errorf("row %d = %v, want [3 4]", i, got[i])
			}
		}
		got[3][0] = 99
		if got[2][0] != 3 || in[1][0] != 3 {
			t.Error("padded rows share storage")
		}
	})

	t.Run("constant", func(t *testing.T) {
		t.Parallel()
		got := align.PadFrames(in, 3, align.Constant(-5))
		if !slices.Equal(got[2], []float32{-5, -5}) {
			t.Errorf("row 2 = %v, want [-5 -5]", got[2])
		}
		if !slices.Equal(got[0], in[0]) || !slices.Equal(got[1], in[1]) {
			t.Error("existing rows changed")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()
		got := align.PadFrames(in, 2, align.Edge())
		if len(got) != 2 {
			t.Errorf("len = %d, want 2", len(got))
		}
		got = align.PadFrames(in, 1, align.Edge())
		if len(got) != 2 {
			t.Errorf("PadFrames truncated to %d rows", len(got))
		}
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		for _, fill := range []align.Fill{align.Edge(), align.Zero(), align.Constant(1)} {
			got := align.PadFrames([][]float32{}, 3, fill)
			if len(got) != 3 {
				t.Errorf("%v: len = %d, want 3", fill, len(got))
			}
			for i, row := range got {
				if len(row) != 0 {
					t.Errorf("%v: row %d = %v, want empty", fill, i, row)
				}
			}
		}
	})
}

func TestRepeat(t *testing.T) {
	t.Parallel()
	if got := align.Repeat[int64](3, 4); !slices.Equal(got, []int64{3, 3, 3, 3}) {
		t.Errorf("Repeat = %v", got)
	}
	if got := align.Repeat[int64](0, 2); !slices.Equal(got, []int64{0, 0}) {
		t.Errorf("Repeat = %v", got)
	}
}
