package attention

import (
	"math"

	"github.com/23skdu/longbow-asr/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// logGaussian is the diagonal Gaussian log-density without the 2*pi constant.
func logGaussian(x, mu, logVar []float64) float64 {
	s := 0.0
	for d := range x {
		diff := x[d] - mu[d]
		s += diff*diff*math.Exp(-logVar[d]) + logVar[d]
	}
	return -0.5 * s
}

// LogResponsibilities returns log p(cluster | z) for every row of z (L x C),
// given component means and log-variances (C x D) and a normalised log prior.
func LogResponsibilities(z, mu, logVar *mat.Dense, logPrior []float64) *mat.Dense {
	L, _ := z.Dims()
	C := len(logPrior)
	out := mat.NewDense(L, C, nil)
	for i := 0; i < L; i++ {
		row := out.RawRowView(i)
		zi := z.RawRowView(i)
		for c := 0; c < C; c++ {
			row[c] = logPrior[c] + logGaussian(zi, mu.RawRowView(c), logVar.RawRowView(c))
		}
		nn.LogSoftmax(row)
	}
	return out
}

// KLToPrior is the token-averaged KL(assignment || prior); it is never negative.
func KLToPrior(logR *mat.Dense, logPrior []float64) float64 {
	L, C := logR.Dims()
	if L == 0 {
		return 0
	}
	total := 0.0
	for i := 0; i < L; i++ {
		row := logR.RawRowView(i)
		for c := 0; c < C; c++ {
			r := math.Exp(row[c])
			if r > 0 {
				total += r * (row[c] - logPrior[c])
			}
		}
	}
	return math.Max(0, total/float64(L))
}

// DiversityPenalty is log(C) minus the entropy of the token-averaged assignment.
// It is zero when clusters are used uniformly and grows as usage collapses.
func DiversityPenalty(logR *mat.Dense) float64 {
	L, C := logR.Dims()
	if L == 0 || C < 2 {
		return 0
	}
	avg := make([]float64, C)
	for i := 0; i < L; i++ {
		for c, v := range logR.RawRowView(i) {
			avg[c] += math.Exp(v)
		}
	}
	entropy := 0.0
	for _, p := range avg {
		p /= float64(L)
		if p > 0 {
			entropy -= p * math.Log(p)
		}
	}
	return math.Max(0, math.Log(float64(C))-entropy)
}

// MutualInformation estimates I(head; cluster) from the joint
// P(h, c) = mean_t gate[t, h] * resp[h][t, c] and its marginals.
func MutualInformation(gates *mat.Dense, resp []*mat.Dense) float64 {
	L, H := gates.Dims()
	if L == 0 || H == 0 {
		return 0
	}
	_, C := resp[0].Dims()
	joint := mat.NewDense(H, C, nil)
	for i := 0; i < L; i++ {
		for h := 0; h < H; h++ {
			g := gates.At(i, h)
			row := resp[h].RawRowView(i)
			dst := joint.RawRowView(h)
			for c := range dst {
				dst[c] += g * row[c] / float64(L)
			}
		}
	}
	ph := make([]float64, H)
	pc := make([]float64, C)
	for h := 0; h < H; h++ {
		for c, p := range joint.RawRowView(h) {
			ph[h] += p
			pc[c] += p
		}
	}
	mi := 0.0
	for h := 0; h < H; h++ {
		for c, p := range joint.RawRowView(h) {
			if p > 0 && ph[h] > 0 && pc[c] > 0 {
				mi += p * math.Log(p/(ph[h]*pc[c]))
			}
		}
	}
	return math.Max(0, mi)
}

// Target is the set of buffers one fitted mixture is written into.
type Target struct {
	Mu         *nn.Param
	LogVar     *nn.Param
	LogPrior   *nn.Param
	Components int
}

func (a *Disentangled) SemanticTarget(h int) Target {
	return Target{
		Mu:         a.SemanticMu[h],
		LogVar:     a.SemanticLogVar[h],
		LogPrior:   a.SemanticLogPrior[h],
		Components: a.cfg.Clusters,
	}
}

// HeadTarget is the head-selection mixture: one component per head.
func (a *Disentangled) HeadTarget() Target {
	return Target{
		Mu:         a.HeadMu,
		LogVar:     a.HeadLogVar,
		LogPrior:   a.HeadLogPrior,
		Components: a.cfg.Heads,
	}
}

// Assign copies fitted means, diagonal covariances and weights into the
// target in place, storing variances and weights in the log domain.
func (t Target) Assign(means, covariances *mat.Dense, weights []float64) error {
	if err := t.Mu.CopyFrom(means); err != nil {
		return err
	}
	logVar := mat.DenseCopyOf(covariances)
	logVar.Apply(func(_, _ int, v float64) float64 { return math.Log(v) }, logVar)
	if err := t.LogVar.CopyFrom(logVar); err != nil {
		return err
	}
	logPrior := make([]float64, len(weights))
	for i, w := range weights {
		logPrior[i] = math.Log(w)
	}
	return t.LogPrior.CopyRow(0, logPrior)
}
