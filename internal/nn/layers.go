package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NewRand returns the deterministic generator used for initialisation and dropout.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// XavierUniform fills p with U(-a, a), a = sqrt(6 / (fan_in + fan_out)).
func XavierUniform(p *Param, rng *rand.Rand) {
	r, c := p.Data.Dims()
	a := math.Sqrt(6.0 / float64(r+c))
	raw := p.Data.RawMatrix().Data
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * a
	}
}

// Normal fills p with N(0, std^2).
func Normal(p *Param, rng *rand.Rand, std float64) {
	raw := p.Data.RawMatrix().Data
	for i := range raw {
		raw[i] = rng.NormFloat64() * std
	}
}

// Fill sets every element of p to v.
func Fill(p *Param, v float64) {
	raw := p.Data.RawMatrix().Data
	for i := range raw {
		raw[i] = v
	}
}

// Linear computes y = xW + b with W stored as in x out.
type Linear struct {
	W *Param
	B *Param
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		W: NewParam(name+".weight", in, out),
		B: NewParam(name+".bias", 1, out),
	}
	XavierUniform(l.W, rng)
	return l
}

func (l *Linear) Forward(x mat.Matrix) *mat.Dense {
	r, _ := x.Dims()
	_, out := l.W.Data.Dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, l.W.Data)
	AddRow(y, l.B.Data)
	return y
}

func (l *Linear) Params() []*Param { return []*Param{l.W, l.B} }

// LayerNorm normalises every row to zero mean and unit variance.
type LayerNorm struct {
	Gamma *Param
	Beta  *Param
	Eps   float64
}

func NewLayerNorm(name string, dim int) *LayerNorm {
	ln := &LayerNorm{
		Gamma: NewParam(name+".weight", 1, dim),
		Beta:  NewParam(name+".bias", 1, dim),
		Eps:   1e-12,
	}
	Fill(ln.Gamma, 1)
	return ln
}

func (ln *LayerNorm) Forward(x mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(x)
	r, c := out.Dims()
	gamma := ln.Gamma.Data.RawRowView(0)
	beta := ln.Beta.Data.RawRowView(0)
	n := float64(c)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		mean := floats.Sum(row) / n
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		inv := 1 / math.Sqrt(variance/n+ln.Eps)
		for j := range row {
			row[j] = (row[j]-mean)*inv*gamma[j] + beta[j]
		}
	}
	return out
}

func (ln *LayerNorm) Params() []*Param { return []*Param{ln.Gamma, ln.Beta} }

// Dropout zeroes activations with probability Rate while training.
type Dropout struct {
	Rate float64
	rng  *rand.Rand
}

func NewDropout(rate float64, rng *rand.Rand) *Dropout {
	return &Dropout{Rate: rate, rng: rng}
}

// Apply modifies m in place; it is the identity outside training.
func (d *Dropout) Apply(m *mat.Dense, train bool) *mat.Dense {
	if !train || d.Rate <= 0 {
		return m
	}
	keep := 1 - d.Rate
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			if d.rng.Float64() < d.Rate {
				row[j] = 0
			} else {
				row[j] /= keep
			}
		}
	}
	return m
}

// FeedForward is the position-wise W2(dropout(relu(W1 x))) block.
type FeedForward struct {
	W1      *Linear
	W2      *Linear
	dropout *Dropout
}

func NewFeedForward(name string, dim, units int, dropout float64, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		W1:      NewLinear(name+".w_1", dim, units, rng),
		W2:      NewLinear(name+".w_2", units, dim, rng),
		dropout: NewDropout(dropout, rng),
	}
}

func (f *FeedForward) Forward(x mat.Matrix, train bool) *mat.Dense {
	h := f.W1.Forward(x)
	ReLU(h)
	f.dropout.Apply(h, train)
	return f.W2.Forward(h)
}

func (f *FeedForward) Params() []*Param {
	return append(f.W1.Params(), f.W2.Params()...)
}

// PositionalEncoding scales the input by sqrt(dim) and adds sinusoidal positions.
type PositionalEncoding struct {
	dim     int
	dropout *Dropout
}

func NewPositionalEncoding(dim int, dropout float64, rng *rand.Rand) *PositionalEncoding {
	return &PositionalEncoding{dim: dim, dropout: NewDropout(dropout, rng)}
}

func (pe *PositionalEncoding) Forward(x *mat.Dense, train bool) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	out.Scale(math.Sqrt(float64(pe.dim)), x)
	for pos := 0; pos < r; pos++ {
		row := out.RawRowView(pos)
		for i := 0; i < c; i += 2 {
			div := math.Exp(-float64(i) * math.Log(10000.0) / float64(pe.dim))
			row[i] += math.Sin(float64(pos) * div)
			if i+1 < c {
				row[i+1] += math.Cos(float64(pos) * div)
			}
		}
	}
	return pe.dropout.Apply(out, train)
}

// Embedding maps token ids to rows of a lookup table.
type Embedding struct {
	Table *Param
}

func NewEmbedding(name string, vocab, dim int, rng *rand.Rand) *Embedding {
	e := &Embedding{Table: NewParam(name+".weight", vocab, dim)}
	Normal(e.Table, rng, 1)
	return e
}

func (e *Embedding) Forward(ids []int) *mat.Dense {
	_, dim := e.Table.Data.Dims()
	out := mat.NewDense(len(ids), dim, nil)
	for i, id := range ids {
		out.SetRow(i, e.Table.Data.RawRowView(id))
	}
	return out
}

func (e *Embedding) Params() []*Param { return []*Param{e.Table} }

// Mask reports whether query position q may attend to key position k.
// A nil Mask allows every pair.
type Mask func(q, k int) bool

// Causal lets each position see itself and earlier positions only.
func Causal(q, k int) bool { return k <= q }
