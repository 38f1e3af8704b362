package transformer

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-asr/internal/attention"
	"github.com/23skdu/longbow-asr/internal/nn"
	"gonum.org/v1/gonum/mat"
)

type DecoderConfig struct {
	Vocab   int
	Dim     int
	Units   int
	Layers  int
	Dropout float64
	Attn    attention.Config
}

// DecoderLayer holds a causal self-attention and a cross-attention over the encoder output.
type DecoderLayer struct {
	SelfAttn *attention.Disentangled
	SrcAttn  *attention.Disentangled
	FF       *nn.FeedForward
	Norm1    *nn.LayerNorm
	Norm2    *nn.LayerNorm
	Norm3    *nn.LayerNorm
	dropout  *nn.Dropout
}

type Decoder struct {
	embed  *nn.Embedding
	pos    *nn.PositionalEncoding
	Layers []*DecoderLayer
	after  *nn.LayerNorm
	out    *nn.Linear
}

type DecoderOutput struct {
	// Logits are unnormalised scores, L x vocab.
	Logits      *mat.Dense
	Losses      attention.Losses
	SelfRecords []*attention.Record
	SrcRecords  []*attention.Record
}

func NewDecoder(cfg DecoderConfig, rng *rand.Rand) (*Decoder, error) {
	d := &Decoder{
		embed: nn.NewEmbedding("decoder.embed.0", cfg.Vocab, cfg.Dim, rng),
		pos:   nn.NewPositionalEncoding(cfg.Dim, cfg.Dropout, rng),
		after: nn.NewLayerNorm("decoder.after_norm", cfg.Dim),
		out:   nn.NewLinear("decoder.output_layer", cfg.Dim, cfg.Vocab, rng),
	}
	for i := 0; i < cfg.Layers; i++ {
		name := fmt.Sprintf("decoder.decoders.%d", i)
		sa, err := attention.New(name+".self_attn", cfg.Attn, rng)
		if err != nil {
			return nil, err
		}
		src, err := attention.New(name+".src_attn", cfg.Attn, rng)
		if err != nil {
			return nil, err
		}
		d.Layers = append(d.Layers, &DecoderLayer{
			SelfAttn: sa,
			SrcAttn:  src,
			FF:       nn.NewFeedForward(name+".feed_forward", cfg.Dim, cfg.Units, cfg.Dropout, rng),
			Norm1:    nn.NewLayerNorm(name+".norm1", cfg.Dim),
			Norm2:    nn.NewLayerNorm(name+".norm2", cfg.Dim),
			Norm3:    nn.NewLayerNorm(name+".norm3", cfg.Dim),
			dropout:  nn.NewDropout(cfg.Dropout, rng),
		})
	}
	return d, nil
}

// Forward decodes the token prefix ys against memory (T x D).
func (d *Decoder) Forward(ys []int, memory *mat.Dense, mode attention.Mode) DecoderOutput {
	train := mode == attention.ModeTrain
	h := d.pos.Forward(d.embed.Forward(ys), train)

	var out DecoderOutput
	for _, l := range d.Layers {
		n := l.Norm1.Forward(h)
		self := l.SelfAttn.Forward(n, n, n, nn.Causal, mode)
		h.Add(h, l.dropout.Apply(self.Out, train))

		n = l.Norm2.Forward(h)
		src := l.SrcAttn.Forward(n, memory, memory, nil, mode)
		h.Add(h, l.dropout.Apply(src.Out, train))

		h.Add(h, l.dropout.Apply(l.FF.Forward(l.Norm3.Forward(h), train), train))

		out.Losses.Append(self.Losses)
		out.Losses.Append(src.Losses)
		if self.Record != nil {
			out.SelfRecords = append(out.SelfRecords, self.Record)
		}
		if src.Record != nil {
			out.SrcRecords = append(out.SrcRecords, src.Record)
		}
	}
	out.Logits = d.out.Forward(d.after.Forward(h))
	return out
}

// ScoreNext returns log-probabilities of the token following prefix.
func (d *Decoder) ScoreNext(prefix []int, memory *mat.Dense) []float64 {
	out := d.Forward(prefix, memory, attention.ModeEval)
	last := append([]float64(nil), out.Logits.RawRowView(len(prefix)-1)...)
	nn.LogSoftmax(last)
	return last
}

func (d *Decoder) Attentions() []Named {
	named := make([]Named, 0, 2*len(d.Layers))
	for i, l := range d.Layers {
		named = append(named,
			Named{Name: fmt.Sprintf("decoder.decoders.%d.self_attn", i), Attn: l.SelfAttn},
			Named{Name: fmt.Sprintf("decoder.decoders.%d.src_attn", i), Attn: l.SrcAttn},
		)
	}
	return named
}

func (d *Decoder) Params() []*nn.Param {
	ps := d.embed.Params()
	for _, l := range d.Layers {
		ps = append(ps, l.SelfAttn.Params()...)
		ps = append(ps, l.SrcAttn.Params()...)
		ps = append(ps, l.FF.Params()...)
		ps = append(ps, l.Norm1.Params()...)
		ps = append(ps, l.Norm2.Params()...)
		ps = append(ps, l.Norm3.Params()...)
	}
	ps = append(ps, d.after.Params()...)
	return append(ps, d.out.Params()...)
}
