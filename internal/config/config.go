package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type VarEstimation string

const (
	VarLearned VarEstimation = "learned"
	VarFixed   VarEstimation = "fixed"
	VarShared  VarEstimation = "shared"
)

type MIEstimator string

const (
	// MIBoundGap penalises log(min(heads, clusters)) - I(head; cluster).
	MIBoundGap MIEstimator = "bound-gap"
	// MIPlugIn penalises the plug-in estimate I(head; cluster) itself.
	MIPlugIn MIEstimator = "plug-in"
)

// Model is the construction bundle of the recognizer.
type Model struct {
	AttentionDim   int      `yaml:"adim"`
	AttentionHeads int      `yaml:"aheads"`
	EncoderUnits   int      `yaml:"eunits"`
	DecoderUnits   int      `yaml:"dunits"`
	EncoderLayers  int      `yaml:"elayers"`
	DecoderLayers  int      `yaml:"dlayers"`
	DropoutRate    float64  `yaml:"dropout_rate"`
	AttnDropout    *float64 `yaml:"transformer_attn_dropout_rate"`
	InputLayer     string   `yaml:"transformer_input_layer"`

	// Dynamic convolution settings, consumed only by the convolution layer types.
	ConvWShare               int    `yaml:"wshare"`
	ConvEncoderKernelLength  int    `yaml:"ldconv_encoder_kernel_length"`
	ConvDecoderKernelLength  int    `yaml:"ldconv_decoder_kernel_length"`
	ConvUseBias              bool   `yaml:"ldconv_usebias"`
	EncoderSelfAttnLayerType string `yaml:"transformer_encoder_selfattn_layer_type"`
	DecoderSelfAttnLayerType string `yaml:"transformer_decoder_selfattn_layer_type"`

	EncoderClusters int           `yaml:"enc_clusters"`
	DecoderClusters int           `yaml:"dec_clusters"`
	VarEstimation   VarEstimation `yaml:"var_estimation"`
	MuGrad          bool          `yaml:"mu_grad"`

	MTLAlpha             float64 `yaml:"mtlalpha"`
	LSMWeight            float64 `yaml:"lsm_weight"`
	LengthNormalizedLoss bool    `yaml:"transformer_length_normalized_loss"`

	KLWeight    float64     `yaml:"kl_weight"`
	DivWeight   float64     `yaml:"div_weight"`
	MIWeight    float64     `yaml:"mi_weight"`
	MIEstimator MIEstimator `yaml:"mi_estimator"`

	// GMMInit starts the run by collecting embeddings; false means the
	// mixtures were fit externally and the run starts in training.
	GMMInit         bool    `yaml:"gmm_init"`
	InitTokenBudget int     `yaml:"init_token_budget"`
	RearmUpdates    int     `yaml:"rearm_updates"`
	InitHeadMixture bool    `yaml:"init_head_mixture"`
	FitWorkers      int     `yaml:"fit_workers"`
	GMMMaxIter      int     `yaml:"gmm_max_iter"`
	GMMTol          float64 `yaml:"gmm_tol"`
	GMMRegCovar     float64 `yaml:"gmm_reg_covar"`
	Seed            uint64  `yaml:"seed"`

	ReportCER bool     `yaml:"report_cer"`
	ReportWER bool     `yaml:"report_wer"`
	CharList  []string `yaml:"char_list"`
	SymSpace  string   `yaml:"sym_space"`
	SymBlank  string   `yaml:"sym_blank"`
}

// Decode holds beam search parameters.
type Decode struct {
	BeamSize    int     `yaml:"beam_size"`
	Penalty     float64 `yaml:"penalty"`
	CTCWeight   float64 `yaml:"ctc_weight"`
	MaxLenRatio float64 `yaml:"maxlenratio"`
	MinLenRatio float64 `yaml:"minlenratio"`
	NBest       int     `yaml:"nbest"`
	LMWeight    float64 `yaml:"lm_weight"`
}

// File is the on-disk layout accepted by Load.
type File struct {
	Model  Model  `yaml:"model"`
	Decode Decode `yaml:"decode"`
}

func Default() Model {
	return Model{
		AttentionDim:             256,
		AttentionHeads:           4,
		EncoderUnits:             2048,
		DecoderUnits:             2048,
		EncoderLayers:            12,
		DecoderLayers:            6,
		DropoutRate:              0.1,
		InputLayer:               "linear",
		ConvWShare:               4,
		ConvEncoderKernelLength:  21,
		ConvDecoderKernelLength:  11,
		EncoderSelfAttnLayerType: "selfattn",
		DecoderSelfAttnLayerType: "selfattn",
		EncoderClusters:          8,
		DecoderClusters:          4,
		VarEstimation:            VarLearned,
		MuGrad:                   true,
		MTLAlpha:                 0.3,
		LSMWeight:                0.1,
		KLWeight:                 0.1,
		DivWeight:                0.1,
		MIWeight:                 0.1,
		MIEstimator:              MIBoundGap,
		GMMInit:                  true,
		InitTokenBudget:          50000,
		RearmUpdates:             5000,
		FitWorkers:               1,
		GMMMaxIter:               100,
		GMMTol:                   1e-3,
		GMMRegCovar:              1e-6,
		SymSpace:                 "<space>",
		SymBlank:                 "<blank>",
	}
}

func DefaultDecode() Decode {
	return Decode{
		BeamSize:  10,
		CTCWeight: 0.3,
		NBest:     1,
		LMWeight:  0.1,
	}
}

// AttentionDropout returns the attention dropout rate, falling back to DropoutRate.
func (c *Model) AttentionDropout() float64 {
	if c.AttnDropout == nil {
		return c.DropoutRate
	}
	return *c.AttnDropout
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (c *Model) Validate() error {
	if c.AttentionDim <= 0 {
		return invalid("invalid adim: %d (must be positive)", c.AttentionDim)
	}
	if c.AttentionHeads <= 0 {
		return invalid("invalid aheads: %d (must be positive)", c.AttentionHeads)
	}
	if c.AttentionDim%c.AttentionHeads != 0 {
		return invalid("adim mismatch: %d not divisible by aheads(%d)", c.AttentionDim, c.AttentionHeads)
	}
	if c.EncoderUnits <= 0 || c.DecoderUnits <= 0 {
		return invalid("invalid units: eunits=%d dunits=%d (must be positive)", c.EncoderUnits, c.DecoderUnits)
	}
	if c.EncoderLayers <= 0 {
		return invalid("invalid elayers: %d (must be positive)", c.EncoderLayers)
	}
	if c.MTLAlpha < 1 && c.DecoderLayers <= 0 {
		return invalid("invalid dlayers: %d (must be positive when mtlalpha < 1)", c.DecoderLayers)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return invalid("invalid dropout_rate: %v (must be in [0, 1))", c.DropoutRate)
	}
	if d := c.AttentionDropout(); d < 0 || d >= 1 {
		return invalid("invalid transformer_attn_dropout_rate: %v (must be in [0, 1))", d)
	}
	if strings.ToLower(c.InputLayer) != "linear" {
		return invalid("unsupported transformer_input_layer: %q", c.InputLayer)
	}
	if c.EncoderSelfAttnLayerType != "selfattn" || c.DecoderSelfAttnLayerType != "selfattn" {
		return invalid("unsupported self-attention layer types: enc=%q dec=%q", c.EncoderSelfAttnLayerType, c.DecoderSelfAttnLayerType)
	}
	if c.ConvWShare <= 0 || c.ConvEncoderKernelLength <= 0 || c.ConvDecoderKernelLength <= 0 {
		return invalid("invalid convolution settings: wshare=%d enc_kernel=%d dec_kernel=%d", c.ConvWShare, c.ConvEncoderKernelLength, c.ConvDecoderKernelLength)
	}
	if c.EncoderClusters <= 0 || c.DecoderClusters <= 0 {
		return invalid("invalid clusters: enc=%d dec=%d (must be positive)", c.EncoderClusters, c.DecoderClusters)
	}
	switch c.VarEstimation {
	case VarLearned, VarFixed, VarShared:
	default:
		return invalid("unknown var_estimation: %q", c.VarEstimation)
	}
	switch c.MIEstimator {
	case MIBoundGap, MIPlugIn:
	default:
		return invalid("unknown mi_estimator: %q", c.MIEstimator)
	}
	if c.MTLAlpha < 0 || c.MTLAlpha > 1 {
		return invalid("invalid mtlalpha: %v (must be in [0, 1])", c.MTLAlpha)
	}
	if c.LSMWeight < 0 || c.LSMWeight >= 1 {
		return invalid("invalid lsm_weight: %v (must be in [0, 1))", c.LSMWeight)
	}
	if c.KLWeight < 0 || c.DivWeight < 0 || c.MIWeight < 0 {
		return invalid("negative disentanglement weight: kl=%v div=%v mi=%v", c.KLWeight, c.DivWeight, c.MIWeight)
	}
	if c.InitTokenBudget <= 0 {
		return invalid("invalid init_token_budget: %d (must be positive)", c.InitTokenBudget)
	}
	if c.RearmUpdates <= 0 {
		return invalid("invalid rearm_updates: %d (must be positive)", c.RearmUpdates)
	}
	if c.FitWorkers <= 0 {
		return invalid("invalid fit_workers: %d (must be positive)", c.FitWorkers)
	}
	if c.GMMMaxIter <= 0 || c.GMMTol <= 0 || c.GMMRegCovar < 0 {
		return invalid("invalid gmm settings: max_iter=%d tol=%v reg_covar=%v", c.GMMMaxIter, c.GMMTol, c.GMMRegCovar)
	}
	if (c.ReportCER || c.ReportWER) && len(c.CharList) == 0 {
		return invalid("report_cer/report_wer require char_list")
	}
	return nil
}

func (d *Decode) Validate() error {
	if d.BeamSize <= 0 {
		return invalid("invalid beam_size: %d (must be positive)", d.BeamSize)
	}
	if d.NBest <= 0 {
		return invalid("invalid nbest: %d (must be positive)", d.NBest)
	}
	if d.CTCWeight < 0 || d.CTCWeight > 1 {
		return invalid("invalid ctc_weight: %v (must be in [0, 1])", d.CTCWeight)
	}
	if d.MaxLenRatio < 0 || d.MinLenRatio < 0 {
		return invalid("invalid length ratios: max=%v min=%v (must be non-negative)", d.MaxLenRatio, d.MinLenRatio)
	}
	return nil
}

// Load reads a YAML file; keys absent from the file keep their documented defaults.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	f := File{Model: Default(), Decode: DefaultDecode()}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	if err := f.Model.Validate(); err != nil {
		return File{}, err
	}
	if err := f.Decode.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}
