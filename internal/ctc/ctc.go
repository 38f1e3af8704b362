// Package ctc holds the connectionist temporal classification branch of the
// recognizer: the vocabulary projection, the alignment loss, greedy decoding
// and the incremental prefix scorer used during joint beam search.
package ctc

import (
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-asr/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// Blank is the reserved CTC blank id.
const Blank = 0

type CTC struct {
	Proj    *nn.Linear
	dropout *nn.Dropout
	odim    int
}

func New(adim, odim int, dropout float64, rng *rand.Rand) *CTC {
	return &CTC{
		Proj:    nn.NewLinear("ctc.ctc_lo", adim, odim, rng),
		dropout: nn.NewDropout(dropout, rng),
		odim:    odim,
	}
}

func (c *CTC) Params() []*nn.Param { return c.Proj.Params() }

// LogProbs projects encoder states (T x adim) to per-frame log-probabilities (T x odim).
func (c *CTC) LogProbs(hs *mat.Dense, train bool) *mat.Dense {
	x := mat.DenseCopyOf(hs)
	c.dropout.Apply(x, train)
	return nn.RowLogSoftmax(c.Proj.Forward(x))
}

// Probs returns per-frame posteriors without dropout.
func (c *CTC) Probs(hs *mat.Dense) *mat.Dense {
	return nn.RowSoftmax(c.Proj.Forward(hs))
}

// Forward returns the batch-summed negative log-likelihood divided by the batch size.
func (c *CTC) Forward(hs []*mat.Dense, targets [][]int, train bool) float64 {
	if len(hs) == 0 {
		return 0
	}
	total := 0.0
	for i, h := range hs {
		total += Loss(c.LogProbs(h, train), targets[i])
	}
	return total / float64(len(hs))
}

// Loss is -log p(target | logp) summed over all blank-augmented alignments.
// It is +Inf when no alignment of target fits in the available frames.
func Loss(logp *mat.Dense, target []int) float64 {
	T, _ := logp.Dims()
	S := 2*len(target) + 1
	ext := make([]int, S)
	for i := range ext {
		ext[i] = Blank
		if i%2 == 1 {
			ext[i] = target[i/2]
		}
	}
	if T == 0 {
		if len(target) == 0 {
			return 0
		}
		return math.Inf(1)
	}

	alpha := make([]float64, S)
	next := make([]float64, S)
	for s := range alpha {
		alpha[s] = math.Inf(-1)
	}
	alpha[0] = logp.At(0, ext[0])
	if S > 1 {
		alpha[1] = logp.At(0, ext[1])
	}
	for t := 1; t < T; t++ {
		row := logp.RawRowView(t)
		for s := 0; s < S; s++ {
			v := alpha[s]
			if s > 0 {
				v = logAdd(v, alpha[s-1])
			}
			if s > 1 && ext[s] != Blank && ext[s] != ext[s-2] {
				v = logAdd(v, alpha[s-2])
			}
			next[s] = v + row[ext[s]]
		}
		alpha, next = next, alpha
	}
	ll := alpha[S-1]
	if S > 1 {
		ll = logAdd(ll, alpha[S-2])
	}
	return -ll
}

func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	return nn.LogAddExp(a, b)
}

// Argmax returns the best label of every frame.
func Argmax(logp mat.Matrix) []int {
	T, V := logp.Dims()
	out := make([]int, T)
	row := make([]float64, V)
	for t := 0; t < T; t++ {
		mat.Row(row, t, logp)
		out[t] = nn.Argmax(row)
	}
	return out
}

// Collapse merges repeated labels and then drops blanks.
func Collapse(path []int) []int {
	out := []int{}
	prev := -1
	for _, id := range path {
		if id != prev && id != Blank {
			out = append(out, id)
		}
		prev = id
	}
	return out
}

// Greedy is the best-path decode of one utterance.
func Greedy(logp mat.Matrix) []int {
	return Collapse(Argmax(logp))
}
