package align

// Number is the set of element types that can be padded.
type Number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

type fillKind int

const (
	fillEdge fillKind = iota
	fillZero
	fillConstant
)

// Fill selects how new entries are populated when a sequence is padded.
// The zero value is [Edge].
type Fill struct {
	kind  fillKind
	value float64
}

// Edge replicates the final existing entry. An empty sequence is padded
// with zeros.
func Edge() Fill { return Fill{kind: fillEdge} }

// Zero pads with zeros.
func Zero() Fill { return Fill{kind: fillZero} }

// Constant pads with v. On frame sequences the value is broadcast across
// every column of each new row.
func Constant(v float64) Fill { return Fill{kind: fillConstant, value: v} }

// String implements [fmt.Stringer].
func (f Fill) String() string {
	switch f.kind {
	case fillZero:
		return "zero"
	case fillConstant:
		return "constant"
	default:
		return "edge"
	}
}

// PadSamples extends x to length n. When len(x) >= n, x is returned
// unchanged. Otherwise a new slice is returned whose first len(x) entries
// equal x.
func PadSamples[T Number](x []T, n int, fill Fill) []T {
	diff := n - len(x)
	if diff <= 0 {
		return x
	}
	out := make([]T, n)
	copy(out, x)

	var v T
	switch fill.kind {
	case fillConstant:
		v = T(fill.value)
	case fillEdge:
		if len(x) > 0 {
			v = x[len(x)-1]
		}
	}
	if v != 0 {
		for i := len(x); i < n; i++ {
			out[i] = v
		}
	}
	return out
}

// PadFrames extends the frame sequence x to n rows. New rows are freshly
// allocated; the width is taken from the last existing row. When len(x) >= n,
// x is returned unchanged. An empty x has no width to take and is padded
// with n empty rows.
func PadFrames[T Number](x [][]T, n int, fill Fill) [][]T {
	diff := n - len(x)
	if diff <= 0 {
		return x
	}
	var last []T
	if len(x) > 0 {
		last = x[len(x)-1]
	}
	width := len(last)

	out := make([][]T, n)
	copy(out, x)
	data := make([]T, diff*width)
	for i := range diff {
		row := data[i*width : (i+1)*width : (i+1)*width]
		switch fill.kind {
		case fillEdge:
			copy(row, last)
		case fillConstant:
			v := T(fill.value)
			for j := range row {
				row[j] = v
			}
		}
		out[len(x)+i] = row
	}
	return out
}

// Repeat returns a sequence of length n with every entry equal to v.
func Repeat[T Number](v T, n int) []T {
	out := make([]T, n)
	if v != 0 {
		for i := range out {
			out[i] = v
		}
	}
	return out
}
