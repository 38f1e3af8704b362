// Package gmm fits diagonal-covariance Gaussian mixtures with
// expectation-maximisation, seeded by k-means for reproducible results.
package gmm

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var ErrTooFewSamples = errors.New("fewer samples than mixture components")

// eps keeps component masses away from zero, as 10 * machine epsilon.
const eps = 10 * 2.220446049250313e-16

type Config struct {
	Components int
	MaxIter    int
	Tol        float64
	RegCovar   float64
	Seed       uint64
	KMeansIter int
}

func DefaultConfig(components int) Config {
	return Config{
		Components: components,
		MaxIter:    100,
		Tol:        1e-3,
		RegCovar:   1e-6,
		KMeansIter: 100,
	}
}

type Mixture struct {
	Means       *mat.Dense // K x D
	Covariances *mat.Dense // K x D, diagonal entries
	Weights     []float64
	Converged   bool
	Iterations  int
	LowerBound  float64
}

// Fit runs EM on x (N x D) until the change of the mean log-likelihood falls below Tol.
func Fit(x *mat.Dense, cfg Config) (*Mixture, error) {
	n, d := x.Dims()
	k := cfg.Components
	if k <= 0 {
		return nil, fmt.Errorf("gmm: components must be positive, got %d", k)
	}
	if n < k {
		return nil, fmt.Errorf("gmm: %w (%d < %d)", ErrTooFewSamples, n, k)
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 100
	}
	if cfg.KMeansIter <= 0 {
		cfg.KMeansIter = 100
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	labels := kmeans(x, k, cfg.KMeansIter, rng)
	resp := mat.NewDense(n, k, nil)
	for i, l := range labels {
		resp.Set(i, l, 1)
	}

	m := &Mixture{
		Means:       mat.NewDense(k, d, nil),
		Covariances: mat.NewDense(k, d, nil),
		Weights:     make([]float64, k),
		LowerBound:  math.Inf(-1),
	}
	m.mStep(x, resp, cfg.RegCovar)

	logProbNorm := make([]float64, n)
	for iter := 1; iter <= cfg.MaxIter; iter++ {
		prev := m.LowerBound
		m.eStep(x, resp, logProbNorm)
		resp.Apply(func(_, _ int, v float64) float64 { return math.Exp(v) }, resp)
		m.mStep(x, resp, cfg.RegCovar)
		m.LowerBound = stat.Mean(logProbNorm, nil)
		m.Iterations = iter
		if math.Abs(m.LowerBound-prev) < cfg.Tol {
			m.Converged = true
			break
		}
	}
	return m, nil
}

// eStep writes log responsibilities into resp and per-sample log-likelihoods into logProbNorm.
func (m *Mixture) eStep(x, resp *mat.Dense, logProbNorm []float64) {
	n, d := x.Dims()
	k := len(m.Weights)
	logWeights := make([]float64, k)
	logDet := make([]float64, k)
	for c := 0; c < k; c++ {
		logWeights[c] = math.Log(m.Weights[c])
		for _, v := range m.Covariances.RawRowView(c) {
			logDet[c] += math.Log(v)
		}
	}
	constant := float64(d) * math.Log(2*math.Pi)
	for i := 0; i < n; i++ {
		xi := x.RawRowView(i)
		row := resp.RawRowView(i)
		for c := 0; c < k; c++ {
			mu := m.Means.RawRowView(c)
			cov := m.Covariances.RawRowView(c)
			maha := 0.0
			for j := range xi {
				diff := xi[j] - mu[j]
				maha += diff * diff / cov[j]
			}
			row[c] = logWeights[c] - 0.5*(constant+logDet[c]+maha)
		}
		lse := floats.LogSumExp(row)
		logProbNorm[i] = lse
		floats.AddConst(-lse, row)
	}
}

func (m *Mixture) mStep(x, resp *mat.Dense, reg float64) {
	n, _ := x.Dims()
	k := len(m.Weights)

	nk := make([]float64, k)
	for i := 0; i < n; i++ {
		floats.Add(nk, resp.RawRowView(i))
	}
	floats.AddConst(eps, nk)

	var sumX, sumX2 mat.Dense
	sumX.Mul(resp.T(), x)
	sq := mat.DenseCopyOf(x)
	sq.MulElem(x, x)
	sumX2.Mul(resp.T(), sq)

	for c := 0; c < k; c++ {
		mu := m.Means.RawRowView(c)
		cov := m.Covariances.RawRowView(c)
		sx := sumX.RawRowView(c)
		sx2 := sumX2.RawRowView(c)
		for j := range mu {
			mu[j] = sx[j] / nk[c]
			cov[j] = math.Max(sx2[j]/nk[c]-mu[j]*mu[j], 0) + reg
		}
		m.Weights[c] = nk[c] / float64(n)
	}
}

// kmeans returns hard cluster labels from k-means++ seeding followed by Lloyd iterations.
func kmeans(x *mat.Dense, k, maxIter int, rng *rand.Rand) []int {
	n, d := x.Dims()
	centers := mat.NewDense(k, d, nil)
	dist := make([]float64, n)

	first := rng.IntN(n)
	centers.SetRow(0, x.RawRowView(first))
	for i := 0; i < n; i++ {
		dist[i] = sqDist(x.RawRowView(i), centers.RawRowView(0))
	}
	for c := 1; c < k; c++ {
		total := floats.Sum(dist)
		next := rng.IntN(n)
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, v := range dist {
				acc += v
				if acc >= target {
					next = i
					break
				}
			}
		}
		centers.SetRow(c, x.RawRowView(next))
		for i := 0; i < n; i++ {
			dist[i] = math.Min(dist[i], sqDist(x.RawRowView(i), centers.RawRowView(c)))
		}
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	counts := make([]float64, k)
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i := 0; i < n; i++ {
			best, bestDist := 0, math.Inf(1)
			for c := 0; c < k; c++ {
				if dd := sqDist(x.RawRowView(i), centers.RawRowView(c)); dd < bestDist {
					best, bestDist = c, dd
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		sums := mat.NewDense(k, d, nil)
		for c := range counts {
			counts[c] = 0
		}
		for i, l := range labels {
			floats.Add(sums.RawRowView(l), x.RawRowView(i))
			counts[l]++
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			row := sums.RawRowView(c)
			floats.Scale(1/counts[c], row)
			centers.SetRow(c, row)
		}
	}
	return labels
}

func sqDist(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		diff := a[i] - b[i]
		s += diff * diff
	}
	return s
}
