package asr

import (
	"context"
	"errors"
	"testing"

	"github.com/23skdu/longbow-asr/internal/arrowio"
	"github.com/23skdu/longbow-asr/internal/config"
	"github.com/23skdu/longbow-asr/internal/errrate"
	"github.com/23skdu/longbow-asr/internal/loss"
	"github.com/23skdu/longbow-asr/internal/metrics"
	"github.com/23skdu/longbow-asr/internal/nn"
	"github.com/23skdu/longbow-asr/internal/pretrain"
	"github.com/23skdu/longbow-asr/internal/search"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	idim = 5
	odim = 6
)

var charList = []string{"<blank>", "a", "b", "<space>", "c", "<eos>"}

func smallConfig() config.Model {
	cfg := config.Default()
	cfg.AttentionDim = 8
	cfg.AttentionHeads = 2
	cfg.EncoderUnits = 16
	cfg.DecoderUnits = 16
	cfg.EncoderLayers = 1
	cfg.DecoderLayers = 1
	cfg.DropoutRate = 0
	cfg.EncoderClusters = 2
	cfg.DecoderClusters = 2
	cfg.InitTokenBudget = 24
	cfg.RearmUpdates = 1000
	cfg.GMMMaxIter = 20
	cfg.Seed = 7
	return cfg
}

func newModel(t *testing.T, cfg config.Model, opts ...Option) *Model {
	t.Helper()
	m, err := New(idim, odim, cfg, opts...)
	require.NoError(t, err)
	return m
}

func features(rows int, seed uint64) *mat.Dense {
	rng := nn.NewRand(seed)
	x := mat.NewDense(rows, idim, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < idim; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	return x
}

// batch holds two utterances padded to 6 frames, the second one 4 frames long.
func batch(seed uint64) Batch {
	return Batch{
		Features: []*mat.Dense{features(6, seed), features(6, seed+1)},
		Lengths:  []int{6, 4},
		Targets:  [][]int{{1, 2, 1}, {4, 2}},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.AttentionHeads = 3
	_, err := New(idim, odim, cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = New(idim, 1, smallConfig())
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestBranchesFollowMTLAlpha(t *testing.T) {
	cfg := smallConfig()
	cfg.MTLAlpha = 1
	m := newModel(t, cfg)
	assert.Nil(t, m.Decoder)
	assert.NotNil(t, m.CTC)

	cfg.MTLAlpha = 0
	m = newModel(t, cfg)
	assert.NotNil(t, m.Decoder)
	assert.Nil(t, m.CTC)
	assert.Equal(t, odim-1, m.Sos())
	assert.Equal(t, odim-1, m.Eos())
}

func TestForwardRejectsMalformedBatch(t *testing.T) {
	m := newModel(t, smallConfig())
	b := batch(1)
	b.Targets = b.Targets[:1]
	_, err := m.Forward(context.Background(), b)
	assert.ErrorIs(t, err, ErrBatch)

	b = batch(1)
	b.Lengths = []int{6, 7}
	_, err = m.Forward(context.Background(), b)
	assert.ErrorIs(t, err, ErrBatch)
}

func TestCollectionFitsOnceAtBudget(t *testing.T) {
	m := newModel(t, smallConfig())
	require.Equal(t, pretrain.Collecting, m.Stage().State())
	before := mat.DenseCopyOf(m.Encoder.Layers[0].SelfAttn.SemanticMu[0].Data)

	step, err := m.Forward(context.Background(), batch(1))
	require.NoError(t, err)
	// Two utterances padded to six frames.
	assert.Equal(t, 12, m.Stage().Tokens())
	assert.Equal(t, 0, m.Stage().Fits())
	assert.Empty(t, step.Fitted)
	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.InitTokens))

	step, err = m.Forward(context.Background(), batch(3))
	require.NoError(t, err)
	assert.Equal(t, 24, m.Stage().Tokens())
	assert.Equal(t, 1, m.Stage().Fits())
	assert.Equal(t, pretrain.Training, m.Stage().State())
	assert.NotEmpty(t, step.Fitted)
	for _, r := range step.Fitted {
		assert.NotEqual(t, pretrain.HeadMixture, r.Key.Head, "head mixtures are fit only when requested")
	}
	assert.False(t, mat.Equal(before, m.Encoder.Layers[0].SelfAttn.SemanticMu[0].Data))

	_, err = m.Forward(context.Background(), batch(5))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stage().Fits())
	assert.Equal(t, 24, m.Stage().Tokens())
}

func TestParamsFrozenWhileCollecting(t *testing.T) {
	m := newModel(t, smallConfig())
	require.True(t, nn.AnyRequiresGrad(m.Params()))

	step, err := m.Forward(context.Background(), batch(1))
	require.NoError(t, err)
	assert.False(t, nn.AnyRequiresGrad(m.Params()))
	assert.False(t, step.Bundle.Tracked, "frozen components carry no gradient")
	assert.True(t, step.Loss.Tracked, "the zero term keeps the collecting loss tracked")

	_, err = m.Forward(context.Background(), batch(3))
	require.NoError(t, err)
	require.Equal(t, pretrain.Training, m.Stage().State())

	step, err = m.Forward(context.Background(), batch(5))
	require.NoError(t, err)
	assert.True(t, nn.AnyRequiresGrad(m.Params()))
	assert.True(t, step.Bundle.Tracked)
	assert.True(t, step.Loss.Tracked)
}

func TestRearmOnceWhenPrefit(t *testing.T) {
	cfg := smallConfig()
	cfg.GMMInit = false
	cfg.RearmUpdates = 2
	cfg.InitTokenBudget = 12
	m := newModel(t, cfg)
	require.Equal(t, pretrain.Training, m.Stage().State())
	rearms := testutil.ToFloat64(metrics.Rearms)

	_, err := m.Forward(context.Background(), batch(1))
	require.NoError(t, err)
	assert.Equal(t, pretrain.Training, m.Stage().State())
	assert.True(t, nn.AnyRequiresGrad(m.Params()))

	step, err := m.Forward(context.Background(), batch(3))
	require.NoError(t, err)
	assert.True(t, m.Stage().Rearmed())
	assert.Equal(t, 1, m.Stage().Fits())
	assert.Equal(t, pretrain.Training, m.Stage().State())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rearms)-rearms)

	heads := 0
	for _, r := range step.Fitted {
		if r.Key.Head == pretrain.HeadMixture {
			heads++
		}
	}
	// One head mixture per attention module: encoder self, decoder self and decoder source.
	assert.Equal(t, 3, heads)

	for i := 0; i < 3; i++ {
		_, err := m.Forward(context.Background(), batch(uint64(10+i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.Stage().Fits())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rearms)-rearms)
}

func TestDisentanglementLossNonNegative(t *testing.T) {
	cfg := smallConfig()
	cfg.GMMInit = false
	m := newModel(t, cfg)

	for seed := uint64(1); seed < 4; seed++ {
		step, err := m.Forward(context.Background(), batch(seed))
		require.NoError(t, err)
		b := step.Bundle
		assert.GreaterOrEqual(t, b.KL, 0.0)
		assert.GreaterOrEqual(t, b.Div, 0.0)
		assert.GreaterOrEqual(t, b.MI, 0.0)
		assert.GreaterOrEqual(t, b.Regularizer(loss.Weights{KL: cfg.KLWeight, Div: cfg.DivWeight, MI: cfg.MIWeight}), 0.0)
		assert.True(t, step.Valid)
		require.NotNil(t, b.CTC)
		require.NotNil(t, b.Att)
	}
}

func TestInvalidLossIsNotFatal(t *testing.T) {
	cfg := smallConfig()
	cfg.GMMInit = false
	reported := 0
	m := newModel(t, cfg, WithReporter(ReporterFunc(func(loss.Bundle) { reported++ })))
	invalid := testutil.ToFloat64(metrics.InvalidLoss)

	// Five labels cannot be aligned to two frames.
	b := Batch{
		Features: []*mat.Dense{features(2, 1)},
		Targets:  [][]int{{1, 2, 3, 4, 1}},
	}
	step, err := m.Forward(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, step.Valid)
	assert.Equal(t, 0, reported)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InvalidLoss)-invalid)

	step, err = m.Forward(context.Background(), batch(1))
	require.NoError(t, err)
	assert.True(t, step.Valid)
	assert.Equal(t, 1, reported)
}

func TestEvalReportsErrorRates(t *testing.T) {
	cfg := smallConfig()
	cfg.GMMInit = false
	calc := errrate.New(charList, "<space>", "<blank>", true, true)
	m := newModel(t, cfg, WithErrorCalculator(calc))

	m.Eval()
	step, err := m.Forward(context.Background(), batch(1))
	require.NoError(t, err)
	require.NotNil(t, step.Bundle.CER)
	require.NotNil(t, step.Bundle.WER)
	require.NotNil(t, step.Bundle.CERCTC)
	assert.Equal(t, 0, m.Stage().Updates())

	m.Train()
	step, err = m.Forward(context.Background(), batch(1))
	require.NoError(t, err)
	assert.Nil(t, step.Bundle.CER)
	assert.Equal(t, 1, m.Stage().Updates())
}

func TestEvalPassesDoNotCollect(t *testing.T) {
	m := newModel(t, smallConfig())
	m.Eval()
	_, err := m.Forward(context.Background(), batch(1))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Stage().Tokens())
	assert.Equal(t, pretrain.Collecting, m.Stage().State())
}

func TestSinkReceivesSnapshotBeforeFit(t *testing.T) {
	sink := arrowio.NewMemorySink()
	m := newModel(t, smallConfig(), WithEmbeddingSink(sink), WithRunID("run-7"))

	for seed := uint64(1); seed < 4; seed += 2 {
		_, err := m.Forward(context.Background(), batch(seed))
		require.NoError(t, err)
	}
	snaps := sink.Snapshots("run-7")
	require.Len(t, snaps, 1)
	assert.NotEmpty(t, snaps[0].Entries)
	for _, e := range snaps[0].Entries {
		n, _ := e.Data.Dims()
		assert.Positive(t, n, e.Key.String())
	}
}

func TestSinkFailureDoesNotBlockFit(t *testing.T) {
	sink := arrowio.NewMemorySink()
	sink.FailWith(errors.New("store unavailable"))
	m := newModel(t, smallConfig(), WithEmbeddingSink(sink))

	for seed := uint64(1); seed < 4; seed += 2 {
		_, err := m.Forward(context.Background(), batch(seed))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.Stage().Fits())
}

func TestRecognizePureCTC(t *testing.T) {
	cfg := smallConfig()
	cfg.GMMInit = false
	cfg.MTLAlpha = 1
	m := newModel(t, cfg)

	p := config.DefaultDecode()
	p.BeamSize = 1
	nbest, err := m.Recognize(features(8, 1), p, charList, nil)
	require.NoError(t, err)
	require.Len(t, nbest, 1)
	assert.Equal(t, m.Sos(), nbest[0].Tokens[0])
	assert.NotContains(t, nbest[0].Tokens[1:], 0)

	p.BeamSize = 2
	_, err = m.Recognize(features(8, 1), p, nil, nil)
	assert.ErrorIs(t, err, search.ErrPureCTCBeam)
}

func TestRecognizeJointBeam(t *testing.T) {
	cfg := smallConfig()
	cfg.GMMInit = false
	m := newModel(t, cfg)

	p := config.DefaultDecode()
	p.BeamSize = 3
	p.NBest = 2
	p.MaxLenRatio = 0.5
	nbest, err := m.Recognize(features(8, 2), p, charList, nil)
	require.NoError(t, err)
	require.NotEmpty(t, nbest)
	assert.LessOrEqual(t, len(nbest), 2)
	for i, h := range nbest {
		assert.Equal(t, m.Sos(), h.Tokens[0])
		assert.Equal(t, m.Eos(), h.Tokens[len(h.Tokens)-1])
		// maxlen is 4; the forced end may add eos after the last token.
		assert.LessOrEqual(t, len(h.Tokens)-2, 4)
		if i > 0 {
			assert.GreaterOrEqual(t, nbest[i-1].Score, h.Score)
		}
	}
	assert.Equal(t, 0, m.Stage().Updates())
}

func TestRecognizeRejectsBadParams(t *testing.T) {
	m := newModel(t, smallConfig())
	p := config.DefaultDecode()
	p.BeamSize = 0
	_, err := m.Recognize(features(4, 1), p, nil, nil)
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = m.Encode(mat.NewDense(3, idim+1, nil))
	assert.ErrorIs(t, err, ErrBatch)
}

func TestCalculateAllAttentions(t *testing.T) {
	m := newModel(t, smallConfig())
	b := batch(1)
	maps, err := m.CalculateAllAttentions(b)
	require.NoError(t, err)
	// Encoder self, decoder self and decoder source per utterance.
	require.Len(t, maps, 6)
	for _, am := range maps {
		require.Len(t, am.Heads, 2, am.Module)
		frames := b.Lengths[am.Utterance]
		labels := len(b.Targets[am.Utterance]) + 1
		r, c := am.Heads[0].Dims()
		switch am.Module {
		case "encoder.encoders.0.self_attn":
			assert.Equal(t, []int{frames, frames}, []int{r, c})
		case "decoder.decoders.0.self_attn":
			assert.Equal(t, []int{labels, labels}, []int{r, c})
		case "decoder.decoders.0.src_attn":
			assert.Equal(t, []int{labels, frames}, []int{r, c})
		default:
			t.Errorf("unexpected module %q", am.Module)
		}
		for i := 0; i < r; i++ {
			assert.InDelta(t, 1, floats.Sum(am.Heads[0].RawRowView(i)), 1e-9)
		}
	}
	assert.Equal(t, 0, m.Stage().Tokens())
	assert.Equal(t, pretrain.Collecting, m.Stage().State())
}

func TestCalculateAllCTCProbs(t *testing.T) {
	m := newModel(t, smallConfig())
	probs, err := m.CalculateAllCTCProbs(batch(1))
	require.NoError(t, err)
	require.Len(t, probs, 2)
	r, c := probs[1].Probs.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, odim, c)
	for i := 0; i < r; i++ {
		assert.InDelta(t, 1, floats.Sum(probs[1].Probs.RawRowView(i)), 1e-9)
	}

	cfg := smallConfig()
	cfg.MTLAlpha = 0
	probs, err = newModel(t, cfg).CalculateAllCTCProbs(batch(1))
	require.NoError(t, err)
	assert.Nil(t, probs)
}
