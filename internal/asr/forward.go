package asr

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-asr/internal/attention"
	"github.com/23skdu/longbow-asr/internal/ctc"
	"github.com/23skdu/longbow-asr/internal/loss"
	"github.com/23skdu/longbow-asr/internal/metrics"
	"github.com/23skdu/longbow-asr/internal/nn"
	"github.com/23skdu/longbow-asr/internal/pretrain"
	"gonum.org/v1/gonum/mat"
)

var ErrBatch = errors.New("malformed batch")

// Batch is a list of utterances. Features may be padded; Lengths, when set,
// gives the number of valid frames of each utterance. Targets hold no padding.
type Batch struct {
	Features []*mat.Dense
	Lengths  []int
	Targets  [][]int
}

func (b Batch) validate(idim int) error {
	if len(b.Features) == 0 {
		return fmt.Errorf("%w: empty batch", ErrBatch)
	}
	if len(b.Targets) != len(b.Features) {
		return fmt.Errorf("%w: %d utterances, %d targets", ErrBatch, len(b.Features), len(b.Targets))
	}
	if b.Lengths != nil && len(b.Lengths) != len(b.Features) {
		return fmt.Errorf("%w: %d utterances, %d lengths", ErrBatch, len(b.Features), len(b.Lengths))
	}
	for i, x := range b.Features {
		r, c := x.Dims()
		if c != idim {
			return fmt.Errorf("%w: utterance %d has %d features, want %d", ErrBatch, i, c, idim)
		}
		if b.Lengths != nil && (b.Lengths[i] <= 0 || b.Lengths[i] > r) {
			return fmt.Errorf("%w: utterance %d length %d outside [1, %d]", ErrBatch, i, b.Lengths[i], r)
		}
	}
	return nil
}

// utterance returns the unpadded frames of utterance i.
func (b Batch) utterance(i int) *mat.Dense {
	x := b.Features[i]
	if b.Lengths == nil {
		return x
	}
	_, c := x.Dims()
	return x.Slice(0, b.Lengths[i], 0, c).(*mat.Dense)
}

// paddedLength is the frame count of the longest padded utterance.
func (b Batch) paddedLength() int {
	n := 0
	for _, x := range b.Features {
		r, _ := x.Dims()
		n = max(n, r)
	}
	return n
}

// Step is the outcome of one forward pass.
type Step struct {
	Loss   nn.Scalar
	Bundle loss.Bundle
	Valid  bool
	// Fitted lists the mixtures written by this pass, if it completed a collection.
	Fitted []pretrain.Result
}

// Forward runs one pass over batch and returns the combined loss. While the
// stage is collecting, training passes record embeddings with frozen
// parameters and the pass that reaches the token budget fits every mixture.
func (m *Model) Forward(ctx context.Context, batch Batch) (Step, error) {
	if err := batch.validate(m.idim); err != nil {
		return Step{}, err
	}
	if m.stage.Begin(m.training) {
		m.buffer.Reset()
		metrics.RecordRearm()
		m.log.Info("Re-collecting embeddings", "updates", m.stage.Updates())
	}

	collecting := m.stage.Collecting()
	m.freeze(collecting)
	record := collecting && m.training

	mode := attention.ModeEval
	switch {
	case record:
		mode = attention.ModeRecord
	case m.training:
		mode = attention.ModeTrain
	}

	var aux attention.Losses
	var logits []*mat.Dense
	hs := make([]*mat.Dense, len(batch.Features))
	ysIn, ysOut := loss.AddSosEos(batch.Targets, m.sos, m.eos)
	for i := range batch.Features {
		enc := m.Encoder.Forward(batch.utterance(i), mode)
		hs[i] = enc.Out
		m.checkFinite("encoder_out", enc.Out)
		aux.Append(enc.Losses)
		if record {
			m.buffer.Add(pretrain.StreamEncoder, enc.Records)
		}
		if m.Decoder == nil {
			continue
		}
		dec := m.Decoder.Forward(ysIn[i], enc.Out, mode)
		logits = append(logits, dec.Logits)
		m.checkFinite("decoder_logits", dec.Logits)
		aux.Append(dec.Losses)
		if record {
			m.buffer.Add(pretrain.StreamDecoder, dec.SelfRecords)
			m.buffer.Add(pretrain.StreamDecoderSrc, dec.SrcRecords)
		}
	}
	for _, a := range m.Attentions() {
		a.Attn.Step()
	}

	var b loss.Bundle
	if m.CTC != nil {
		b.CTC = loss.Ptr(m.CTC.Forward(hs, batch.Targets, mode == attention.ModeTrain))
		if !m.training && m.errCalc != nil {
			paths := make([][]int, len(hs))
			for i, h := range hs {
				paths[i] = ctc.Argmax(m.CTC.LogProbs(h, false))
			}
			b.CERCTC = loss.Ptr(m.errCalc.CTCCER(paths, batch.Targets, ctc.Blank))
		}
	}
	if m.Decoder != nil {
		b.Att = loss.Ptr(m.criterion.Forward(logits, ysOut))
		b.Acc = loss.Ptr(loss.Accuracy(logits, ysOut))
		if !m.training && m.errCalc != nil {
			hyps := make([][]int, len(logits))
			for i, l := range logits {
				hyps[i] = argmaxRows(l)
			}
			b.CER, b.WER = m.errCalc.Calculate(hyps, ysOut)
		}
	}
	b.KL, b.Div, b.MI = aux.Mean()

	total := b.Combine(m.weights, nn.AnyRequiresGrad(m.Params()))
	if collecting {
		total = total.Add(nn.TrackedZero())
	}
	step := Step{Loss: total, Bundle: b, Valid: b.Valid()}
	if step.Valid {
		m.reports.Report(b)
	} else {
		m.log.Warn("Loss is not correct", "loss", b.Total)
		metrics.RecordInvalidLoss()
	}

	if record {
		tokens := len(batch.Features) * batch.paddedLength()
		reached := m.stage.Advance(tokens)
		metrics.RecordInitTokens(m.stage.Tokens())
		m.log.Info("Collecting embeddings", "tokens", m.stage.Tokens(), "budget", m.stage.Budget())
		if reached {
			fitted, err := m.fit(ctx)
			if err != nil {
				return step, err
			}
			step.Fitted = fitted
		}
	}
	metrics.RecordStage(int(m.stage.State()))
	metrics.RecordForward(m.stage.State().String())
	return step, nil
}

// fit offers the buffer to the sink, fits every bound mixture and ends the collection.
func (m *Model) fit(ctx context.Context) ([]pretrain.Result, error) {
	heads := m.stage.IncludeHeads() || m.cfg.InitHeadMixture
	if m.sink != nil {
		snap := m.buffer.Snapshot(m.runID, m.stage.Budget(), m.cfg.AttentionHeads)
		if err := m.sink.Put(ctx, snap); err != nil {
			m.log.Warn("Embedding sink failed", "error", err)
		}
	}
	m.log.Info("Fitting mixtures", "tokens", m.stage.Tokens(), "heads", heads)
	results, err := m.init.Run(ctx, m.buffer, m.bindings(heads), m.stage.Budget())
	if err != nil {
		return nil, fmt.Errorf("initialize mixtures: %w", err)
	}
	m.buffer.Reset()
	m.stage.Complete()
	return results, nil
}

// freeze toggles gradient tracking for the collection stage and restores it afterwards.
func (m *Model) freeze(on bool) {
	if on == m.frozen {
		return
	}
	nn.SetRequiresGrad(m.Params(), !on)
	m.frozen = on
}

// checkFinite counts NaN and Inf activations; they only surface as metrics and warnings.
func (m *Model) checkFinite(tensor string, x mat.Matrix) {
	nan, inf := nn.CountInvalid(x)
	if nan+inf == 0 {
		return
	}
	metrics.RecordNumericalInstability(tensor, nan, inf)
	m.log.Warn("Non-finite activations", "tensor", tensor, "nan", nan, "inf", inf)
}

func argmaxRows(logits *mat.Dense) []int {
	r, _ := logits.Dims()
	out := make([]int, r)
	for i := 0; i < r; i++ {
		out[i] = nn.Argmax(logits.RawRowView(i))
	}
	return out
}
