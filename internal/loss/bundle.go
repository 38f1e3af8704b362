package loss

import (
	"math"

	"github.com/23skdu/longbow-asr/internal/nn"
)

// Weights select how the components of a pass are combined.
type Weights struct {
	MTLAlpha float64
	KL       float64
	Div      float64
	MI       float64
}

// Bundle is produced once per forward pass. Optional components are nil when
// the corresponding branch did not run.
type Bundle struct {
	CTC     *float64
	Att     *float64
	Acc     *float64
	CERCTC  *float64
	CER     *float64
	WER     *float64
	KL      float64
	Div     float64
	MI      float64
	Total   float64
	Tracked bool
}

// Combine computes Total from the components present in b. tracked reports
// whether any parameter that produced the components requires gradients.
func (b *Bundle) Combine(w Weights, tracked bool) nn.Scalar {
	reg := b.Regularizer(w)
	var main float64
	switch w.MTLAlpha {
	case 0:
		main = value(b.Att)
	case 1:
		main = value(b.CTC)
	default:
		main = w.MTLAlpha*value(b.CTC) + (1-w.MTLAlpha)*value(b.Att)
	}
	total := nn.Scalar{Value: main + reg, Tracked: tracked}
	b.Total = total.Value
	b.Tracked = total.Tracked
	return total
}

func value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Valid reports whether Total may enter running statistics.
func (b *Bundle) Valid() bool {
	return !math.IsNaN(b.Total) && !math.IsInf(b.Total, 0) && b.Total < Threshold
}

// Regularizer is the weighted sum of the disentanglement terms.
func (b *Bundle) Regularizer(w Weights) float64 {
	return w.KL*b.KL + w.Div*b.Div + w.MI*b.MI
}

// Components flattens the bundle for reporting; nil components are omitted.
func (b *Bundle) Components() map[string]float64 {
	out := map[string]float64{
		"total":              b.Total,
		"cluster_kl":         b.KL,
		"cluster_diversity":  b.Div,
		"mutual_information": b.MI,
	}
	for name, p := range map[string]*float64{
		"ctc":     b.CTC,
		"att":     b.Att,
		"acc":     b.Acc,
		"cer_ctc": b.CERCTC,
		"cer":     b.CER,
		"wer":     b.WER,
	} {
		if p != nil {
			out[name] = *p
		}
	}
	return out
}

// Ptr returns a pointer to v for optional bundle fields.
func Ptr(v float64) *float64 { return &v }
