package ctc

import (
	"github.com/23skdu/longbow-asr/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// State holds the forward variables of one prefix: for every frame, the log
// probability of the prefix ending in a non-blank (column 0) or blank (column 1).
type State [][2]float64

// PrefixScorer computes incremental CTC prefix scores for label-synchronous decoding.
type PrefixScorer struct {
	x     *mat.Dense
	eos   int
	blank int
	T     int
}

// NewPrefixScorer wraps per-frame log-probabilities (T x V).
func NewPrefixScorer(logp *mat.Dense, blank, eos int) *PrefixScorer {
	T, _ := logp.Dims()
	return &PrefixScorer{x: logp, eos: eos, blank: blank, T: T}
}

// Initial is the state of the empty prefix: all mass on blank paths.
func (p *PrefixScorer) Initial() State {
	r := make(State, p.T)
	for t := range r {
		r[t][0] = nn.LogZero
	}
	if p.T == 0 {
		return r
	}
	r[0][1] = p.x.At(0, p.blank)
	for t := 1; t < p.T; t++ {
		r[t][1] = r[t-1][1] + p.x.At(t, p.blank)
	}
	return r
}

// Score extends prefix y (which starts with sos) by every candidate label and
// returns the prefix log-probabilities and the new per-candidate states.
func (p *PrefixScorer) Score(y []int, cs []int, prev State) ([]float64, []State) {
	n := len(y) - 1
	T := p.T
	psi := make([]float64, len(cs))
	states := make([]State, len(cs))
	if T == 0 {
		for i := range psi {
			psi[i] = nn.LogZero
			states[i] = State{}
		}
		return psi, states
	}

	sum := make([]float64, T)
	for t := 0; t < T; t++ {
		sum[t] = nn.LogAddExp(prev[t][0], prev[t][1])
	}
	last := -1
	if n > 0 {
		last = y[len(y)-1]
	}
	start := max(n, 1)
	phi := make([]float64, T)

	for i, c := range cs {
		r := make(State, T)
		for t := range r {
			r[t] = [2]float64{nn.LogZero, nn.LogZero}
		}
		if n == 0 {
			r[0][0] = p.x.At(0, c)
		}
		for t := 0; t < T; t++ {
			if c == last {
				phi[t] = prev[t][1]
			} else {
				phi[t] = sum[t]
			}
		}

		logPsi := nn.LogZero
		if start-1 < T {
			logPsi = r[start-1][0]
		}
		for t := start; t < T; t++ {
			xs := p.x.At(t, c)
			r[t][0] = nn.LogAddExp(r[t-1][0], phi[t-1]) + xs
			r[t][1] = nn.LogAddExp(r[t-1][0], r[t-1][1]) + p.x.At(t, p.blank)
			logPsi = nn.LogAddExp(logPsi, phi[t-1]+xs)
		}
		switch c {
		case p.eos:
			logPsi = sum[T-1]
		case p.blank:
			logPsi = nn.LogZero
		}
		psi[i] = logPsi
		states[i] = r
	}
	return psi, states
}
