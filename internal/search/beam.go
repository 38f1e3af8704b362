// Package search implements label-synchronous beam search over an attention
// decoder, optionally fused with CTC prefix scores and an external language model.
package search

import (
	"errors"
	"sort"
	"time"

	"github.com/23skdu/longbow-asr/internal/config"
	"github.com/23skdu/longbow-asr/internal/ctc"
	"github.com/23skdu/longbow-asr/internal/logger"
	"github.com/23skdu/longbow-asr/internal/metrics"
	"gonum.org/v1/gonum/mat"
)

// ErrPureCTCBeam is returned when a beam wider than one is requested in pure CTC mode.
var ErrPureCTCBeam = errors.New("pure CTC beam search is not implemented")

// CTCScoringRatio widens the attention pre-selection before CTC prefix scoring.
const CTCScoringRatio = 1.5

type Hypothesis struct {
	Score  float64
	Tokens []int

	ctcState ctc.State
	ctcScore float64
	lmState  any
}

func (h Hypothesis) extend(token int, score float64) Hypothesis {
	tokens := make([]int, len(h.Tokens)+1)
	copy(tokens, h.Tokens)
	tokens[len(h.Tokens)] = token
	return Hypothesis{
		Score:    h.Score + score,
		Tokens:   tokens,
		ctcState: h.ctcState,
		ctcScore: h.ctcScore,
		lmState:  h.lmState,
	}
}

// Decoder returns next-token log-probabilities for a prefix starting with sos.
type Decoder interface {
	ScoreNext(prefix []int) []float64
}

// LanguageModel is an external token-level model. State is opaque; nil is the start state.
type LanguageModel interface {
	Predict(state any, last int) (any, []float64)
	Final(state any) float64
}

// Inputs bundle everything the search needs about one utterance.
type Inputs struct {
	Decoder Decoder
	// CTC holds per-frame log-probabilities (T x V); nil disables CTC fusion.
	CTC *mat.Dense
	LM  LanguageModel
	// Length is the encoder output length used for the length bounds.
	Length   int
	Vocab    int
	Sos      int
	Eos      int
	MTLAlpha float64
}

func lg() *logger.Logger { return logger.Component("search") }

// Recognize returns at most p.NBest hypotheses in descending score order.
func Recognize(in Inputs, p config.Decode) ([]Hypothesis, error) {
	if in.MTLAlpha == 1 {
		p.CTCWeight = 1
	}
	if in.CTC != nil && in.MTLAlpha > 0 && p.CTCWeight == 1 {
		lg().Info("Set to pure CTC decoding mode")
		if p.BeamSize > 1 {
			return nil, ErrPureCTCBeam
		}
		hyp := append([]int{in.Sos}, ctc.Greedy(in.CTC)...)
		return []Hypothesis{{Score: 0, Tokens: hyp}}, nil
	}

	start := time.Now()
	nbest, steps := beamSearch(in, p)
	if len(nbest) == 0 && p.MinLenRatio > 0 {
		lg().Warn("No N-best results, retrying with smaller minlenratio", "minlenratio", p.MinLenRatio)
		metrics.RecordRetry()
		p.MinLenRatio = max(0, p.MinLenRatio-0.1)
		var more int
		nbest, more = beamSearch(in, p)
		steps += more
	}
	metrics.RecordDecode(steps, len(nbest), time.Since(start))
	if len(nbest) > p.NBest {
		nbest = nbest[:p.NBest]
	}
	return nbest, nil
}

// Bounds returns the maximum and minimum output lengths for an encoder length.
func Bounds(length int, p config.Decode) (maxlen, minlen int) {
	maxlen = length
	if p.MaxLenRatio != 0 {
		maxlen = max(1, int(p.MaxLenRatio*float64(length)))
	}
	minlen = int(p.MinLenRatio * float64(length))
	return maxlen, minlen
}

type candidate struct {
	token int
	score float64
	ctc   int
}

// beamSearch returns all ended hypotheses sorted by score and the number of steps run.
func beamSearch(in Inputs, p config.Decode) ([]Hypothesis, int) {
	maxlen, minlen := Bounds(in.Length, p)
	beam := p.BeamSize
	lg().Debug("Decoding bounds", "maxlen", maxlen, "minlen", minlen)

	var scorer *ctc.PrefixScorer
	root := Hypothesis{Tokens: []int{in.Sos}}
	ctcBeam := in.Vocab
	if in.CTC != nil {
		scorer = ctc.NewPrefixScorer(in.CTC, ctc.Blank, in.Eos)
		root.ctcState = scorer.Initial()
		if p.CTCWeight != 0 {
			ctcBeam = min(in.Vocab, int(float64(beam)*CTCScoringRatio))
		}
	}

	hyps := []Hypothesis{root}
	var ended []Hypothesis
	steps := 0
	for i := 0; i < maxlen; i++ {
		steps++
		var kept []Hypothesis
		for _, hyp := range hyps {
			kept = append(kept, expand(in, p, scorer, hyp, beam, ctcBeam)...)
		}
		sort.SliceStable(kept, func(a, b int) bool { return kept[a].Score > kept[b].Score })
		if len(kept) > beam {
			kept = kept[:beam]
		}
		hyps = kept

		if i == maxlen-1 {
			for j := range hyps {
				if hyps[j].Tokens[len(hyps[j].Tokens)-1] != in.Eos {
					hyps[j].Tokens = append(hyps[j].Tokens, in.Eos)
				}
			}
		}

		var remained []Hypothesis
		for _, hyp := range hyps {
			if hyp.Tokens[len(hyp.Tokens)-1] != in.Eos {
				remained = append(remained, hyp)
				continue
			}
			// length excludes the leading sos
			if len(hyp.Tokens)-1 <= minlen {
				continue
			}
			hyp.Score += float64(i+1) * p.Penalty
			if in.LM != nil {
				hyp.Score += p.LMWeight * in.LM.Final(hyp.lmState)
			}
			ended = append(ended, hyp)
		}

		if p.MaxLenRatio == 0 && EndDetect(ended, i) {
			lg().Info("End detected", "step", i)
			break
		}
		hyps = remained
		if len(hyps) == 0 {
			lg().Info("No hypothesis, finish decoding", "step", i)
			break
		}
		lg().Debug("Beam step", "step", i, "remained", len(hyps))
	}

	sort.SliceStable(ended, func(a, b int) bool { return ended[a].Score > ended[b].Score })
	return ended, steps
}

// expand scores every continuation of hyp and keeps the best beam of them.
func expand(in Inputs, p config.Decode, scorer *ctc.PrefixScorer, hyp Hypothesis, beam, ctcBeam int) []Hypothesis {
	att := in.Decoder.ScoreNext(hyp.Tokens)
	var lmState any
	var lm []float64
	if in.LM != nil {
		lmState, lm = in.LM.Predict(hyp.lmState, hyp.Tokens[len(hyp.Tokens)-1])
	}

	var cands []candidate
	var ctcScores []float64
	var ctcStates []ctc.State
	if scorer != nil {
		ids := topK(att, ctcBeam)
		ctcScores, ctcStates = scorer.Score(hyp.Tokens, ids, hyp.ctcState)
		cands = make([]candidate, len(ids))
		for j, id := range ids {
			s := (1-p.CTCWeight)*att[id] + p.CTCWeight*(ctcScores[j]-hyp.ctcScore)
			if lm != nil {
				s += p.LMWeight * lm[id]
			}
			cands[j] = candidate{token: id, score: s, ctc: j}
		}
	} else {
		cands = make([]candidate, len(att))
		for id, a := range att {
			s := a
			if lm != nil {
				s += p.LMWeight * lm[id]
			}
			cands[id] = candidate{token: id, score: s, ctc: -1}
		}
	}
	sort.SliceStable(cands, func(a, b int) bool { return cands[a].score > cands[b].score })
	if len(cands) > beam {
		cands = cands[:beam]
	}

	out := make([]Hypothesis, len(cands))
	for j, c := range cands {
		next := hyp.extend(c.token, c.score)
		if c.ctc >= 0 {
			next.ctcState = ctcStates[c.ctc]
			next.ctcScore = ctcScores[c.ctc]
		}
		if in.LM != nil {
			next.lmState = lmState
		}
		out[j] = next
	}
	return out
}

// topK returns the indices of the k largest scores, ties in index order.
func topK(scores []float64, k int) []int {
	ids := make([]int, len(scores))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool { return scores[ids[a]] > scores[ids[b]] })
	if k < len(ids) {
		ids = ids[:k]
	}
	return ids
}
