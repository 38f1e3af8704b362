// Package loss implements the attention-decoder objectives and the
// coordinator that folds every component into one reported total.
package loss

import (
	"math"

	"github.com/23skdu/longbow-asr/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// IgnoreID marks padded target positions.
const IgnoreID = -1

// Threshold bounds a reportable total loss.
const Threshold = 10000.0

// AddSosEos builds decoder input [sos]+y and output y+[eos] for each target.
func AddSosEos(ys [][]int, sos, eos int) (in, out [][]int) {
	in = make([][]int, len(ys))
	out = make([][]int, len(ys))
	for i, y := range ys {
		in[i] = append([]int{sos}, y...)
		out[i] = append(append([]int{}, y...), eos)
	}
	return in, out
}

// LabelSmoothing is the KL divergence between the decoder distribution and a
// smoothed one-hot target with confidence 1-Smoothing.
type LabelSmoothing struct {
	Size            int
	Smoothing       float64
	NormalizeLength bool
	PaddingIdx      int
}

func NewLabelSmoothing(size int, smoothing float64, normalizeLength bool) *LabelSmoothing {
	return &LabelSmoothing{Size: size, Smoothing: smoothing, NormalizeLength: normalizeLength, PaddingIdx: IgnoreID}
}

// Forward sums the divergence over non-ignored positions of every sequence and
// divides by the batch size, or by the token count when NormalizeLength is set.
func (l *LabelSmoothing) Forward(logits []*mat.Dense, targets [][]int) float64 {
	confidence := 1 - l.Smoothing
	off := 0.0
	if l.Size > 1 {
		off = l.Smoothing / float64(l.Size-1)
	}
	total := 0.0
	tokens := 0
	for b, lg := range logits {
		logp := nn.RowLogSoftmax(lg)
		for t, y := range targets[b] {
			if y == l.PaddingIdx {
				continue
			}
			tokens++
			for v, lp := range logp.RawRowView(t) {
				q := off
				if v == y {
					q = confidence
				}
				if q > 0 {
					total += q * (math.Log(q) - lp)
				}
			}
		}
	}
	denom := float64(len(logits))
	if l.NormalizeLength {
		denom = float64(tokens)
	}
	if denom == 0 {
		return 0
	}
	return total / denom
}

// Accuracy is the fraction of non-ignored positions whose argmax equals the target.
func Accuracy(logits []*mat.Dense, targets [][]int) float64 {
	correct, total := 0, 0
	for b, lg := range logits {
		for t, y := range targets[b] {
			if y == IgnoreID {
				continue
			}
			total++
			if nn.Argmax(lg.RawRowView(t)) == y {
				correct++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}
