package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LogZero stands in for log(0) in prefix and alignment scores.
const LogZero = -1e10

// Softmax normalises x in place.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	lse := floats.LogSumExp(x)
	for i := range x {
		x[i] = math.Exp(x[i] - lse)
	}
}

// LogSoftmax normalises x in place in the log domain.
func LogSoftmax(x []float64) {
	if len(x) == 0 {
		return
	}
	lse := floats.LogSumExp(x)
	floats.AddConst(-lse, x)
}

// LogAddExp returns log(exp(a) + exp(b)) without overflow.
func LogAddExp(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	if b <= LogZero || math.IsInf(b, -1) {
		return a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// RowLogSoftmax returns a copy of m with log-softmax applied to every row.
func RowLogSoftmax(m mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		LogSoftmax(out.RawRowView(i))
	}
	return out
}

// RowSoftmax returns a copy of m with softmax applied to every row.
func RowSoftmax(m mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		Softmax(out.RawRowView(i))
	}
	return out
}

// Argmax returns the index of the largest element; the first one wins ties.
func Argmax(x []float64) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

func ReLU(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}, m)
}

// AddRow adds the 1xC row vector b to every row of m.
func AddRow(m *mat.Dense, b *mat.Dense) {
	r, _ := m.Dims()
	bias := b.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), bias)
	}
}

// CountInvalid returns the number of NaN and Inf entries in m.
func CountInvalid(m mat.Matrix) (nan, inf int) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			switch {
			case math.IsNaN(v):
				nan++
			case math.IsInf(v, 0):
				inf++
			}
		}
	}
	return nan, inf
}
