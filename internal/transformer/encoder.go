package transformer

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-asr/internal/attention"
	"github.com/23skdu/longbow-asr/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// Named pairs an attention module with its stable diagnostic name.
type Named struct {
	Name string
	Attn *attention.Disentangled
}

type EncoderConfig struct {
	InputDim int
	Dim      int
	Units    int
	Layers   int
	Dropout  float64
	Attn     attention.Config
}

// EncoderLayer is a pre-norm self-attention + feed-forward block.
type EncoderLayer struct {
	SelfAttn *attention.Disentangled
	FF       *nn.FeedForward
	Norm1    *nn.LayerNorm
	Norm2    *nn.LayerNorm
	dropout  *nn.Dropout
}

type Encoder struct {
	inLinear *nn.Linear
	inNorm   *nn.LayerNorm
	inDrop   *nn.Dropout
	pos      *nn.PositionalEncoding
	Layers   []*EncoderLayer
	after    *nn.LayerNorm
}

// EncoderOutput carries the encoded sequence plus everything the heads returned.
type EncoderOutput struct {
	Out     *mat.Dense
	Losses  attention.Losses
	Records []*attention.Record
}

func NewEncoder(cfg EncoderConfig, rng *rand.Rand) (*Encoder, error) {
	e := &Encoder{
		inLinear: nn.NewLinear("encoder.embed.0", cfg.InputDim, cfg.Dim, rng),
		inNorm:   nn.NewLayerNorm("encoder.embed.1", cfg.Dim),
		inDrop:   nn.NewDropout(cfg.Dropout, rng),
		pos:      nn.NewPositionalEncoding(cfg.Dim, cfg.Dropout, rng),
		after:    nn.NewLayerNorm("encoder.after_norm", cfg.Dim),
	}
	for i := 0; i < cfg.Layers; i++ {
		name := fmt.Sprintf("encoder.encoders.%d", i)
		sa, err := attention.New(name+".self_attn", cfg.Attn, rng)
		if err != nil {
			return nil, err
		}
		e.Layers = append(e.Layers, &EncoderLayer{
			SelfAttn: sa,
			FF:       nn.NewFeedForward(name+".feed_forward", cfg.Dim, cfg.Units, cfg.Dropout, rng),
			Norm1:    nn.NewLayerNorm(name+".norm1", cfg.Dim),
			Norm2:    nn.NewLayerNorm(name+".norm2", cfg.Dim),
			dropout:  nn.NewDropout(cfg.Dropout, rng),
		})
	}
	return e, nil
}

// Forward encodes one utterance (T x idim). Dropout is active only in ModeTrain.
func (e *Encoder) Forward(x *mat.Dense, mode attention.Mode) EncoderOutput {
	train := mode == attention.ModeTrain
	h := e.inLinear.Forward(x)
	h = e.inNorm.Forward(h)
	e.inDrop.Apply(h, train)
	nn.ReLU(h)
	h = e.pos.Forward(h, train)

	var out EncoderOutput
	for _, l := range e.Layers {
		n := l.Norm1.Forward(h)
		att := l.SelfAttn.Forward(n, n, n, nil, mode)
		h.Add(h, l.dropout.Apply(att.Out, train))
		h.Add(h, l.dropout.Apply(l.FF.Forward(l.Norm2.Forward(h), train), train))

		out.Losses.Append(att.Losses)
		if att.Record != nil {
			out.Records = append(out.Records, att.Record)
		}
	}
	out.Out = e.after.Forward(h)
	return out
}

func (e *Encoder) Attentions() []Named {
	named := make([]Named, 0, len(e.Layers))
	for i, l := range e.Layers {
		named = append(named, Named{Name: fmt.Sprintf("encoder.encoders.%d.self_attn", i), Attn: l.SelfAttn})
	}
	return named
}

func (e *Encoder) Params() []*nn.Param {
	ps := append(e.inLinear.Params(), e.inNorm.Params()...)
	for _, l := range e.Layers {
		ps = append(ps, l.SelfAttn.Params()...)
		ps = append(ps, l.FF.Params()...)
		ps = append(ps, l.Norm1.Params()...)
		ps = append(ps, l.Norm2.Params()...)
	}
	return append(ps, e.after.Params()...)
}
