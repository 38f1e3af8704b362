package asr

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-asr/internal/arrowio"
	"github.com/23skdu/longbow-asr/internal/attention"
	"github.com/23skdu/longbow-asr/internal/config"
	"github.com/23skdu/longbow-asr/internal/search"
	"gonum.org/v1/gonum/mat"
)

// Encode runs the encoder over one utterance (T x idim) without dropout.
func (m *Model) Encode(x *mat.Dense) (*mat.Dense, error) {
	if _, c := x.Dims(); c != m.idim {
		return nil, fmt.Errorf("%w: %d features, want %d", ErrBatch, c, m.idim)
	}
	return m.Encoder.Forward(x, attention.ModeEval).Out, nil
}

// boundDecoder fixes the encoder memory of one utterance.
type boundDecoder struct {
	m      *Model
	memory *mat.Dense
}

func (d boundDecoder) ScoreNext(prefix []int) []float64 {
	return d.m.Decoder.ScoreNext(prefix, d.memory)
}

// Recognize decodes one utterance. charList, when non-empty, is only used to
// log the best hypothesis; lm may be nil.
func (m *Model) Recognize(x *mat.Dense, p config.Decode, charList []string, lm search.LanguageModel) ([]search.Hypothesis, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	h, err := m.Encode(x)
	if err != nil {
		return nil, err
	}
	length, _ := h.Dims()
	in := search.Inputs{
		LM:       lm,
		Length:   length,
		Vocab:    m.odim,
		Sos:      m.sos,
		Eos:      m.eos,
		MTLAlpha: m.cfg.MTLAlpha,
	}
	if m.CTC != nil && (p.CTCWeight > 0 || m.cfg.MTLAlpha == 1) {
		in.CTC = m.CTC.LogProbs(h, false)
	}
	if m.Decoder != nil {
		in.Decoder = boundDecoder{m: m, memory: h}
	} else if in.CTC == nil {
		return nil, fmt.Errorf("%w: no decoder and no CTC branch to decode with", config.ErrInvalid)
	}

	nbest, err := search.Recognize(in, p)
	if err != nil {
		return nil, err
	}
	if len(nbest) == 0 {
		m.log.Warn("No hypothesis found")
		return nbest, nil
	}
	best := nbest[0]
	m.log.Info("Best hypothesis", "score", best.Score, "tokens", len(best.Tokens))
	if len(charList) > 0 {
		m.log.Info("Best hypothesis text", "text", tokensText(best.Tokens[1:], charList))
	}
	return nbest, nil
}

func tokensText(tokens []int, charList []string) string {
	var sb strings.Builder
	for _, t := range tokens {
		if t >= 0 && t < len(charList) {
			sb.WriteString(charList[t])
		}
	}
	return sb.String()
}

// CalculateAllAttentions returns the attention weights of every module for
// every utterance of batch. The pass runs in evaluation mode and leaves the
// training stage untouched.
func (m *Model) CalculateAllAttentions(batch Batch) ([]arrowio.AttentionMap, error) {
	if err := batch.validate(m.idim); err != nil {
		return nil, err
	}
	named := m.Attentions()
	var out []arrowio.AttentionMap
	for i := range batch.Features {
		enc := m.Encoder.Forward(batch.utterance(i), attention.ModeEval)
		if m.Decoder != nil {
			ys := append([]int{m.sos}, batch.Targets[i]...)
			m.Decoder.Forward(ys, enc.Out, attention.ModeEval)
		}
		for _, n := range named {
			out = append(out, arrowio.AttentionMap{
				Module:    n.Name,
				Utterance: i,
				Heads:     n.Attn.LastWeights(),
			})
		}
	}
	return out, nil
}

// CalculateAllCTCProbs returns frame posteriors per utterance, or nil when the
// model has no CTC branch.
func (m *Model) CalculateAllCTCProbs(batch Batch) ([]arrowio.CTCProbs, error) {
	if m.CTC == nil {
		return nil, nil
	}
	if err := batch.validate(m.idim); err != nil {
		return nil, err
	}
	out := make([]arrowio.CTCProbs, 0, len(batch.Features))
	for i := range batch.Features {
		enc := m.Encoder.Forward(batch.utterance(i), attention.ModeEval)
		out = append(out, arrowio.CTCProbs{Utterance: i, Probs: m.CTC.Probs(enc.Out)})
	}
	return out, nil
}
