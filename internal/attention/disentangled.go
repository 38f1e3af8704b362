// Package attention implements multi-head attention whose heads are tied to
// learned Gaussian mixtures: one mixture of semantic clusters per head over the
// head's attended states, and one mixture over heads fed by the per-head queries.
//
// Each call returns its auxiliary losses and, in ModeRecord, the raw hidden
// states and queries needed to fit those mixtures offline. Nothing is stored on
// the module between calls except the last attention weights.
package attention

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-asr/internal/config"
	"github.com/23skdu/longbow-asr/internal/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type Mode int

const (
	// ModeTrain computes the disentangled output and losses with dropout.
	ModeTrain Mode = iota
	// ModeEval computes the disentangled output and losses without dropout.
	ModeEval
	// ModeRecord runs plain multi-head attention and returns the hidden
	// states and queries instead of mixture losses.
	ModeRecord
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	case ModeRecord:
		return "record"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type Config struct {
	Dim           int
	Heads         int
	Clusters      int
	Dropout       float64
	VarEstimation config.VarEstimation
	MuGrad        bool
	MIEstimator   config.MIEstimator
}

// Losses holds per-head KL and diversity terms and one mutual-information term per module.
type Losses struct {
	KL  []float64
	Div []float64
	MI  []float64
}

func (l *Losses) Append(o Losses) {
	l.KL = append(l.KL, o.KL...)
	l.Div = append(l.Div, o.Div...)
	l.MI = append(l.MI, o.MI...)
}

// Mean averages each term over everything appended so far.
func (l Losses) Mean() (kl, div, mi float64) {
	return mean(l.KL), mean(l.Div), mean(l.MI)
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Sum(x) / float64(len(x))
}

// Record holds, per head, the attended hidden states and the query projections (L x d_k).
type Record struct {
	Hidden []*mat.Dense
	Query  []*mat.Dense
}

type Output struct {
	Out     *mat.Dense
	Losses  Losses
	Record  *Record
	Weights []*mat.Dense
}

type Disentangled struct {
	cfg Config
	dk  int

	Q, K, V, O *nn.Linear

	SemanticMu       []*nn.Param
	SemanticLogVar   []*nn.Param
	SemanticLogPrior []*nn.Param

	HeadMu       *nn.Param
	HeadLogVar   *nn.Param
	HeadLogPrior *nn.Param

	dropout *nn.Dropout
	updates int
	last    []*mat.Dense
}

func New(name string, cfg Config, rng *rand.Rand) (*Disentangled, error) {
	if cfg.Heads <= 0 || cfg.Dim%cfg.Heads != 0 {
		return nil, fmt.Errorf("attention %s: dim %d not divisible by heads %d", name, cfg.Dim, cfg.Heads)
	}
	if cfg.Clusters <= 0 {
		return nil, fmt.Errorf("attention %s: clusters must be positive, got %d", name, cfg.Clusters)
	}
	dk := cfg.Dim / cfg.Heads
	a := &Disentangled{
		cfg:     cfg,
		dk:      dk,
		Q:       nn.NewLinear(name+".linear_q", cfg.Dim, cfg.Dim, rng),
		K:       nn.NewLinear(name+".linear_k", cfg.Dim, cfg.Dim, rng),
		V:       nn.NewLinear(name+".linear_v", cfg.Dim, cfg.Dim, rng),
		O:       nn.NewLinear(name+".linear_out", cfg.Dim, cfg.Dim, rng),
		dropout: nn.NewDropout(cfg.Dropout, rng),
	}
	for h := 0; h < cfg.Heads; h++ {
		mu := nn.NewParam(fmt.Sprintf("%s.semantic_mu.%d", name, h), cfg.Clusters, dk)
		nn.Normal(mu, rng, 1)
		lp := nn.NewParam(fmt.Sprintf("%s.semantic_log_prior.%d", name, h), 1, cfg.Clusters)
		nn.Fill(lp, -math.Log(float64(cfg.Clusters)))
		a.SemanticMu = append(a.SemanticMu, mu)
		a.SemanticLogVar = append(a.SemanticLogVar, nn.NewParam(fmt.Sprintf("%s.semantic_log_var.%d", name, h), cfg.Clusters, dk))
		a.SemanticLogPrior = append(a.SemanticLogPrior, lp)
	}
	a.HeadMu = nn.NewParam(name+".head_mu", cfg.Heads, dk)
	nn.Normal(a.HeadMu, rng, 1)
	a.HeadLogVar = nn.NewParam(name+".head_log_var", cfg.Heads, dk)
	a.HeadLogPrior = nn.NewParam(name+".head_log_prior", 1, cfg.Heads)
	nn.Fill(a.HeadLogPrior, -math.Log(float64(cfg.Heads)))

	if !cfg.MuGrad {
		for _, mu := range a.SemanticMu {
			mu.Fix()
		}
		a.HeadMu.Fix()
	}
	if cfg.VarEstimation == config.VarFixed {
		for _, lv := range a.SemanticLogVar {
			lv.Fix()
		}
		a.HeadLogVar.Fix()
	}
	return a, nil
}

func (a *Disentangled) Heads() int    { return a.cfg.Heads }
func (a *Disentangled) Clusters() int { return a.cfg.Clusters }
func (a *Disentangled) HeadDim() int  { return a.dk }

// Step advances the frozen update counter; it never takes part in training.
func (a *Disentangled) Step()        { a.updates++ }
func (a *Disentangled) Updates() int { return a.updates }

// LastWeights returns the attention weights (per head, L x S) of the most recent call.
func (a *Disentangled) LastWeights() []*mat.Dense { return a.last }

func (a *Disentangled) Params() []*nn.Param {
	ps := []*nn.Param{}
	for _, l := range []*nn.Linear{a.Q, a.K, a.V, a.O} {
		ps = append(ps, l.Params()...)
	}
	for h := range a.SemanticMu {
		ps = append(ps, a.SemanticMu[h], a.SemanticLogVar[h], a.SemanticLogPrior[h])
	}
	return append(ps, a.HeadMu, a.HeadLogVar, a.HeadLogPrior)
}

// Forward attends query (L x D) over key/value (S x D).
func (a *Disentangled) Forward(query, key, value *mat.Dense, mask nn.Mask, mode Mode) Output {
	L, _ := query.Dims()
	H := a.cfg.Heads

	q := a.Q.Forward(query)
	k := a.K.Forward(key)
	v := a.V.Forward(value)

	hidden := make([]*mat.Dense, H)
	queries := make([]*mat.Dense, H)
	weights := make([]*mat.Dense, H)
	scale := 1 / math.Sqrt(float64(a.dk))
	for h := 0; h < H; h++ {
		lo, hi := h*a.dk, (h+1)*a.dk
		qh := mat.DenseCopyOf(q.Slice(0, L, lo, hi))
		kh := k.Slice(0, rowsOf(k), lo, hi)
		vh := v.Slice(0, rowsOf(v), lo, hi)

		var scores mat.Dense
		scores.Mul(qh, kh.T())
		scores.Scale(scale, &scores)
		w := maskedSoftmax(&scores, mask)
		weights[h] = w

		attn := mat.DenseCopyOf(w)
		a.dropout.Apply(attn, mode == ModeTrain)
		var hs mat.Dense
		hs.Mul(attn, vh)
		hidden[h] = &hs
		queries[h] = qh
	}
	a.last = weights

	out := Output{Weights: weights}
	gates := mat.NewDense(L, H, nil)
	if mode == ModeRecord {
		for i := 0; i < L; i++ {
			for h := 0; h < H; h++ {
				gates.Set(i, h, 1/float64(H))
			}
		}
		out.Record = &Record{Hidden: hidden, Query: queries}
	} else {
		resp := make([]*mat.Dense, H)
		for h := 0; h < H; h++ {
			lp := a.semanticLogPrior(h)
			logR := LogResponsibilities(hidden[h], a.SemanticMu[h].Data, a.effectiveLogVar(a.SemanticLogVar[h].Data), lp)
			out.Losses.KL = append(out.Losses.KL, KLToPrior(logR, lp))
			out.Losses.Div = append(out.Losses.Div, DiversityPenalty(logR))
			resp[h] = exp(logR)
		}
		gates = a.headGates(queries)
		mi := MutualInformation(gates, resp)
		out.Losses.MI = append(out.Losses.MI, a.miLoss(mi))
	}

	concat := mat.NewDense(L, a.cfg.Dim, nil)
	for h := 0; h < H; h++ {
		for i := 0; i < L; i++ {
			g := float64(H) * gates.At(i, h)
			dst := concat.RawRowView(i)[h*a.dk : (h+1)*a.dk]
			floats.AddScaled(dst, g, hidden[h].RawRowView(i))
		}
	}
	out.Out = a.O.Forward(concat)
	return out
}

func rowsOf(m mat.Matrix) int {
	r, _ := m.Dims()
	return r
}

// maskedSoftmax normalises each row over the allowed keys; fully masked rows are zero.
func maskedSoftmax(scores *mat.Dense, mask nn.Mask) *mat.Dense {
	r, c := scores.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := scores.RawRowView(i)
		dst := out.RawRowView(i)
		maxv := math.Inf(-1)
		for j, s := range src {
			if (mask == nil || mask(i, j)) && s > maxv {
				maxv = s
			}
		}
		if math.IsInf(maxv, -1) {
			continue
		}
		sum := 0.0
		for j, s := range src {
			if mask == nil || mask(i, j) {
				dst[j] = math.Exp(s - maxv)
				sum += dst[j]
			}
		}
		floats.Scale(1/sum, dst)
	}
	return out
}

func (a *Disentangled) semanticLogPrior(h int) []float64 {
	lp := append([]float64(nil), a.SemanticLogPrior[h].Data.RawRowView(0)...)
	nn.LogSoftmax(lp)
	return lp
}

// effectiveLogVar applies the variance-estimation mode to a components x dim log-variance.
func (a *Disentangled) effectiveLogVar(lv *mat.Dense) *mat.Dense {
	r, c := lv.Dims()
	switch a.cfg.VarEstimation {
	case config.VarFixed:
		return mat.NewDense(r, c, nil)
	case config.VarShared:
		shared := make([]float64, c)
		for i := 0; i < r; i++ {
			floats.Add(shared, lv.RawRowView(i))
		}
		floats.Scale(1/float64(r), shared)
		out := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			out.SetRow(i, shared)
		}
		return out
	default:
		return lv
	}
}

// headGates returns the L x H probability that each head is the active one,
// scoring head h's query against component h of the head mixture.
func (a *Disentangled) headGates(queries []*mat.Dense) *mat.Dense {
	H := a.cfg.Heads
	L := rowsOf(queries[0])
	lp := append([]float64(nil), a.HeadLogPrior.Data.RawRowView(0)...)
	nn.LogSoftmax(lp)
	lv := a.effectiveLogVar(a.HeadLogVar.Data)
	gates := mat.NewDense(L, H, nil)
	for i := 0; i < L; i++ {
		row := gates.RawRowView(i)
		for h := 0; h < H; h++ {
			row[h] = lp[h] + logGaussian(queries[h].RawRowView(i), a.HeadMu.Data.RawRowView(h), lv.RawRowView(h))
		}
		nn.Softmax(row)
	}
	return gates
}

func (a *Disentangled) miLoss(mi float64) float64 {
	if a.cfg.MIEstimator == config.MIPlugIn {
		return math.Max(0, mi)
	}
	bound := math.Log(float64(min(a.cfg.Heads, a.cfg.Clusters)))
	return math.Max(0, bound-mi)
}

func exp(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	out.Apply(func(_, _ int, v float64) float64 { return math.Exp(v) }, out)
	return out
}
