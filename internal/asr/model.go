// Package asr is the end-to-end recognizer: a disentangled-attention
// Transformer encoder-decoder with a CTC branch, trained with a staged
// mixture initialisation and decoded with joint beam search.
package asr

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-asr/internal/arrowio"
	"github.com/23skdu/longbow-asr/internal/attention"
	"github.com/23skdu/longbow-asr/internal/config"
	"github.com/23skdu/longbow-asr/internal/ctc"
	"github.com/23skdu/longbow-asr/internal/errrate"
	"github.com/23skdu/longbow-asr/internal/gmm"
	"github.com/23skdu/longbow-asr/internal/logger"
	"github.com/23skdu/longbow-asr/internal/loss"
	"github.com/23skdu/longbow-asr/internal/nn"
	"github.com/23skdu/longbow-asr/internal/pretrain"
	"github.com/23skdu/longbow-asr/internal/transformer"
	"github.com/google/uuid"
)

// Model is not safe for concurrent use; callers serialise Forward calls.
type Model struct {
	cfg  config.Model
	idim int
	odim int
	sos  int
	eos  int

	Encoder *transformer.Encoder
	// Decoder is nil when mtlalpha is 1.
	Decoder *transformer.Decoder
	// CTC is nil when mtlalpha is 0.
	CTC     *ctc.CTC

	criterion *loss.LabelSmoothing
	weights   loss.Weights

	stage   *pretrain.Stage
	buffer  *pretrain.Buffer
	init    *pretrain.Initializer
	frozen  bool
	reports Reporter
	sink    arrowio.EmbeddingSink
	errCalc *errrate.Calculator

	training bool
	runID    string
	log      *logger.Logger
}

type Option func(*Model)

// WithReporter replaces the default metrics reporter.
func WithReporter(r Reporter) Option {
	return func(m *Model) { m.reports = r }
}

// WithEmbeddingSink offers the initialization buffer to sink before each mixture fit.
func WithEmbeddingSink(s arrowio.EmbeddingSink) Option {
	return func(m *Model) { m.sink = s }
}

// WithErrorCalculator enables CER/WER in evaluation passes.
func WithErrorCalculator(c *errrate.Calculator) Option {
	return func(m *Model) { m.errCalc = c }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(m *Model) { m.runID = id }
}

// New validates cfg and builds a model for idim-dimensional features and odim output symbols.
func New(idim, odim int, cfg config.Model, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if idim <= 0 || odim < 2 {
		return nil, fmt.Errorf("%w: idim=%d odim=%d", config.ErrInvalid, idim, odim)
	}
	rng := nn.NewRand(cfg.Seed)
	m := &Model{
		cfg:       cfg,
		idim:      idim,
		odim:      odim,
		sos:       odim - 1,
		eos:       odim - 1,
		criterion: loss.NewLabelSmoothing(odim, cfg.LSMWeight, cfg.LengthNormalizedLoss),
		weights: loss.Weights{
			MTLAlpha: cfg.MTLAlpha,
			KL:       cfg.KLWeight,
			Div:      cfg.DivWeight,
			MI:       cfg.MIWeight,
		},
		stage:    pretrain.NewStage(cfg.InitTokenBudget, cfg.RearmUpdates, !cfg.GMMInit),
		buffer:   pretrain.NewBuffer(),
		training: true,
		runID:    uuid.NewString(),
		reports:  MetricsReporter{},
	}
	if err := m.build(rng); err != nil {
		return nil, err
	}
	fit := gmm.DefaultConfig(0)
	fit.MaxIter = cfg.GMMMaxIter
	fit.Tol = cfg.GMMTol
	fit.RegCovar = cfg.GMMRegCovar
	fit.Seed = cfg.Seed
	m.init = pretrain.NewInitializer(fit, cfg.FitWorkers)

	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.Component("asr").With("run_id", m.runID)
	m.log.Info("Model created",
		"idim", idim, "odim", odim, "adim", cfg.AttentionDim, "aheads", cfg.AttentionHeads,
		"elayers", cfg.EncoderLayers, "dlayers", cfg.DecoderLayers, "stage", m.stage.State().String())
	return m, nil
}

func (m *Model) build(rng *rand.Rand) error {
	attn := func(clusters int) attention.Config {
		return attention.Config{
			Dim:           m.cfg.AttentionDim,
			Heads:         m.cfg.AttentionHeads,
			Clusters:      clusters,
			Dropout:       m.cfg.AttentionDropout(),
			VarEstimation: m.cfg.VarEstimation,
			MuGrad:        m.cfg.MuGrad,
			MIEstimator:   m.cfg.MIEstimator,
		}
	}
	enc, err := transformer.NewEncoder(transformer.EncoderConfig{
		InputDim: m.idim,
		Dim:      m.cfg.AttentionDim,
		Units:    m.cfg.EncoderUnits,
		Layers:   m.cfg.EncoderLayers,
		Dropout:  m.cfg.DropoutRate,
		Attn:     attn(m.cfg.EncoderClusters),
	}, rng)
	if err != nil {
		return fmt.Errorf("build encoder: %w", err)
	}
	m.Encoder = enc

	if m.cfg.MTLAlpha < 1 {
		dec, err := transformer.NewDecoder(transformer.DecoderConfig{
			Vocab:   m.odim,
			Dim:     m.cfg.AttentionDim,
			Units:   m.cfg.DecoderUnits,
			Layers:  m.cfg.DecoderLayers,
			Dropout: m.cfg.DropoutRate,
			Attn:    attn(m.cfg.DecoderClusters),
		}, rng)
		if err != nil {
			return fmt.Errorf("build decoder: %w", err)
		}
		m.Decoder = dec
	}
	if m.cfg.MTLAlpha > 0 {
		m.CTC = ctc.New(m.cfg.AttentionDim, m.odim, m.cfg.DropoutRate, rng)
	}
	return nil
}

func (m *Model) RunID() string          { return m.runID }
func (m *Model) Stage() *pretrain.Stage { return m.stage }
func (m *Model) Sos() int               { return m.sos }
func (m *Model) Eos() int               { return m.eos }

// Train switches subsequent forward passes to training mode.
func (m *Model) Train() { m.training = true }

// Eval switches subsequent forward passes to evaluation mode.
func (m *Model) Eval() { m.training = false }

func (m *Model) Training() bool { return m.training }

// Params lists every parameter of the model in a stable order.
func (m *Model) Params() []*nn.Param {
	ps := m.Encoder.Params()
	if m.Decoder != nil {
		ps = append(ps, m.Decoder.Params()...)
	}
	if m.CTC != nil {
		ps = append(ps, m.CTC.Params()...)
	}
	return ps
}

// Attentions lists every disentangled attention module with its diagnostic name.
func (m *Model) Attentions() []transformer.Named {
	named := m.Encoder.Attentions()
	if m.Decoder != nil {
		named = append(named, m.Decoder.Attentions()...)
	}
	return named
}

// bindings maps buffer keys to mixture parameters. Head-selection mixtures are
// included only when requested.
func (m *Model) bindings(heads bool) []pretrain.Binding {
	var out []pretrain.Binding
	add := func(stream pretrain.Stream, layer int, a *attention.Disentangled) {
		for h := 0; h < a.Heads(); h++ {
			out = append(out, pretrain.Binding{
				Key:    pretrain.Key{Stream: stream, Layer: layer, Head: h},
				Target: a.SemanticTarget(h),
			})
		}
		if heads {
			out = append(out, pretrain.Binding{
				Key:    pretrain.Key{Stream: stream, Layer: layer, Head: pretrain.HeadMixture},
				Target: a.HeadTarget(),
			})
		}
	}
	for i, l := range m.Encoder.Layers {
		add(pretrain.StreamEncoder, i, l.SelfAttn)
	}
	if m.Decoder != nil {
		for i, l := range m.Decoder.Layers {
			add(pretrain.StreamDecoder, i, l.SelfAttn)
			add(pretrain.StreamDecoderSrc, i, l.SrcAttn)
		}
	}
	return out
}
