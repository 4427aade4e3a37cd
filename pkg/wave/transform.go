package wave

import "math"

// Encoder quantizes samples into integer class codes.
type Encoder func([]float32) []int64

// Decoder maps class codes back to samples.
type Decoder func([]int64) []float32

// MuLawEncoder returns an [Encoder] that companders samples in [-1, 1] with
// the mu-law curve and quantizes them into 2^bits classes.
func MuLawEncoder(bits int) Encoder {
	mu := float64(int64(1)<<bits - 1)
	logMu := math.Log1p(mu)
	return func(x []float32) []int64 {
		out := make([]int64, len(x))
		for i, v := range x {
			s := math.Max(-1, math.Min(1, float64(v)))
			fx := math.Copysign(math.Log1p(mu*math.Abs(s))/logMu, s)
			out[i] = int64(math.Floor((fx+1)/2*mu + 0.5))
		}
		return out
	}
}

// MuLawDecoder returns the inverse of [MuLawEncoder] for the same bits.
func MuLawDecoder(bits int) Decoder {
	mu := float64(int64(1)<<bits - 1)
	return func(y []int64) []float32 {
		out := make([]float32, len(y))
		for i, c := range y {
			fx := float64(c)/mu*2 - 1
			x := math.Copysign((math.Pow(1+mu, math.Abs(fx))-1)/mu, fx)
			out[i] = float32(x)
		}
		return out
	}
}
