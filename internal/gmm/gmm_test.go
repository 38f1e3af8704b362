package gmm

import (
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// twoBlobs draws n points around (-5, -5) and n points around (5, 5).
func twoBlobs(n int) *mat.Dense {
	rng := rand.New(rand.NewPCG(42, 43))
	x := mat.NewDense(2*n, 2, nil)
	for i := 0; i < 2*n; i++ {
		center := -5.0
		if i >= n {
			center = 5
		}
		x.Set(i, 0, center+0.5*rng.NormFloat64())
		x.Set(i, 1, center+0.5*rng.NormFloat64())
	}
	return x
}

func TestFitRecoversSeparatedClusters(t *testing.T) {
	m, err := Fit(twoBlobs(200), DefaultConfig(2))
	require.NoError(t, err)
	require.True(t, m.Converged)

	centers := []float64{m.Means.At(0, 0), m.Means.At(1, 0)}
	sort.Float64s(centers)
	require.InDelta(t, -5, centers[0], 0.2)
	require.InDelta(t, 5, centers[1], 0.2)

	require.InDelta(t, 1, floats.Sum(m.Weights), 1e-9)
	for c := 0; c < 2; c++ {
		require.InDelta(t, 0.5, m.Weights[c], 0.01)
		for j := 0; j < 2; j++ {
			require.InDelta(t, 0.25, m.Covariances.At(c, j), 0.08)
		}
	}
}

func TestFitIsDeterministic(t *testing.T) {
	x := twoBlobs(100)
	cfg := DefaultConfig(3)
	cfg.Seed = 7

	a, err := Fit(x, cfg)
	require.NoError(t, err)
	b, err := Fit(x, cfg)
	require.NoError(t, err)

	require.True(t, mat.Equal(a.Means, b.Means))
	require.True(t, mat.Equal(a.Covariances, b.Covariances))
	require.Equal(t, a.Weights, b.Weights)
	require.Equal(t, a.Iterations, b.Iterations)
}

func TestFitRejectsTooFewSamples(t *testing.T) {
	_, err := Fit(mat.NewDense(3, 2, nil), DefaultConfig(4))
	require.ErrorIs(t, err, ErrTooFewSamples)

	_, err = Fit(mat.NewDense(3, 2, nil), DefaultConfig(0))
	require.Error(t, err)
}

func TestFitHandlesConstantData(t *testing.T) {
	x := mat.NewDense(10, 3, nil)
	cfg := DefaultConfig(2)
	m, err := Fit(x, cfg)
	require.NoError(t, err)
	for c := 0; c < 2; c++ {
		for j := 0; j < 3; j++ {
			v := m.Covariances.At(c, j)
			require.False(t, math.IsNaN(v))
			require.GreaterOrEqual(t, v, cfg.RegCovar)
		}
	}
}
