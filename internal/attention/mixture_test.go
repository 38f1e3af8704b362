package attention

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestLogResponsibilitiesPickNearestMean(t *testing.T) {
	mu := mat.NewDense(2, 2, []float64{0, 0, 10, 10})
	lv := mat.NewDense(2, 2, nil)
	prior := []float64{math.Log(0.5), math.Log(0.5)}
	z := mat.NewDense(2, 2, []float64{0.1, -0.1, 9.9, 10.2})

	logR := LogResponsibilities(z, mu, lv, prior)
	if math.Exp(logR.At(0, 0)) < 0.99 {
		t.Errorf("row 0 should belong to cluster 0, got %v", math.Exp(logR.At(0, 0)))
	}
	if math.Exp(logR.At(1, 1)) < 0.99 {
		t.Errorf("row 1 should belong to cluster 1, got %v", math.Exp(logR.At(1, 1)))
	}
}

func TestKLToPriorIsZeroAtPrior(t *testing.T) {
	prior := []float64{math.Log(0.25), math.Log(0.75)}
	logR := mat.NewDense(2, 2, []float64{prior[0], prior[1], prior[0], prior[1]})
	if kl := KLToPrior(logR, prior); kl > 1e-12 {
		t.Errorf("expected zero KL, got %v", kl)
	}
	peaked := mat.NewDense(1, 2, []float64{0, math.Inf(-1)})
	if kl := KLToPrior(peaked, prior); math.Abs(kl-math.Log(4)) > 1e-12 {
		t.Errorf("expected log 4, got %v", kl)
	}
}

func TestDiversityPenalty(t *testing.T) {
	uniform := mat.NewDense(2, 2, []float64{math.Log(1), math.Inf(-1), math.Inf(-1), math.Log(1)})
	if d := DiversityPenalty(uniform); d > 1e-12 {
		t.Errorf("balanced usage should cost nothing, got %v", d)
	}
	collapsed := mat.NewDense(2, 2, []float64{0, math.Inf(-1), 0, math.Inf(-1)})
	if d := DiversityPenalty(collapsed); math.Abs(d-math.Log(2)) > 1e-12 {
		t.Errorf("collapsed usage should cost log 2, got %v", d)
	}
}

func TestMutualInformation(t *testing.T) {
	gates := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	// head 0 always picks cluster 0, head 1 always picks cluster 1
	resp := []*mat.Dense{
		mat.NewDense(2, 2, []float64{1, 0, 1, 0}),
		mat.NewDense(2, 2, []float64{0, 1, 0, 1}),
	}
	if mi := MutualInformation(gates, resp); math.Abs(mi-math.Log(2)) > 1e-12 {
		t.Errorf("expected log 2, got %v", mi)
	}

	shared := []*mat.Dense{
		mat.NewDense(2, 2, []float64{0.5, 0.5, 0.5, 0.5}),
		mat.NewDense(2, 2, []float64{0.5, 0.5, 0.5, 0.5}),
	}
	if mi := MutualInformation(gates, shared); mi > 1e-12 {
		t.Errorf("independent assignment should carry no information, got %v", mi)
	}
}
