package transformer

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-asr/internal/attention"
	"github.com/23skdu/longbow-asr/internal/config"
	"github.com/23skdu/longbow-asr/internal/nn"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func testAttn(clusters int) attention.Config {
	return attention.Config{
		Dim:           8,
		Heads:         2,
		Clusters:      clusters,
		VarEstimation: config.VarLearned,
		MuGrad:        true,
		MIEstimator:   config.MIBoundGap,
	}
}

func newStacks(t *testing.T) (*Encoder, *Decoder) {
	t.Helper()
	rng := nn.NewRand(11)
	enc, err := NewEncoder(EncoderConfig{InputDim: 5, Dim: 8, Units: 16, Layers: 2, Attn: testAttn(3)}, rng)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := NewDecoder(DecoderConfig{Vocab: 6, Dim: 8, Units: 16, Layers: 1, Attn: testAttn(2)}, rng)
	if err != nil {
		t.Fatal(err)
	}
	return enc, dec
}

func features(rows int) *mat.Dense {
	rng := nn.NewRand(uint64(rows))
	m := mat.NewDense(rows, 5, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < 5; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

func TestEncoderAggregatesHeadLosses(t *testing.T) {
	enc, _ := newStacks(t)
	out := enc.Forward(features(7), attention.ModeEval)

	r, c := out.Out.Dims()
	if r != 7 || c != 8 {
		t.Fatalf("expected 7x8 encoder output, got %dx%d", r, c)
	}
	// 2 layers x 2 heads KL/div terms, one MI term per layer
	if len(out.Losses.KL) != 4 || len(out.Losses.MI) != 2 {
		t.Errorf("unexpected loss registry sizes: kl=%d mi=%d", len(out.Losses.KL), len(out.Losses.MI))
	}
	if len(out.Records) != 0 {
		t.Error("eval pass must not return records")
	}
}

func TestEncoderRecordMode(t *testing.T) {
	enc, _ := newStacks(t)
	out := enc.Forward(features(4), attention.ModeRecord)
	if len(out.Records) != 2 {
		t.Fatalf("expected one record per layer, got %d", len(out.Records))
	}
	if len(out.Losses.KL) != 0 {
		t.Error("record pass must not produce mixture losses")
	}
}

func TestDecoderForwardAndScoreNext(t *testing.T) {
	enc, dec := newStacks(t)
	memory := enc.Forward(features(6), attention.ModeEval).Out

	out := dec.Forward([]int{5, 1, 2}, memory, attention.ModeRecord)
	r, c := out.Logits.Dims()
	if r != 3 || c != 6 {
		t.Fatalf("expected 3x6 logits, got %dx%d", r, c)
	}
	if len(out.SelfRecords) != 1 || len(out.SrcRecords) != 1 {
		t.Errorf("expected self and src records per layer, got %d/%d", len(out.SelfRecords), len(out.SrcRecords))
	}

	scores := dec.ScoreNext([]int{5, 1}, memory)
	if len(scores) != 6 {
		t.Fatalf("expected 6 scores, got %d", len(scores))
	}
	total := 0.0
	for _, s := range scores {
		total += math.Exp(s)
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("scores should be log-probabilities, exp-sum %v", total)
	}
}

func TestDecoderIsCausal(t *testing.T) {
	enc, dec := newStacks(t)
	memory := enc.Forward(features(6), attention.ModeEval).Out

	short := dec.Forward([]int{5, 1}, memory, attention.ModeEval).Logits
	long := dec.Forward([]int{5, 1, 3, 4}, memory, attention.ModeEval).Logits
	for i := 0; i < 2; i++ {
		if !floats.EqualApprox(short.RawRowView(i), long.RawRowView(i), 1e-9) {
			t.Errorf("position %d depends on future tokens", i)
		}
	}
}

func TestAttentionNames(t *testing.T) {
	enc, dec := newStacks(t)
	if got := enc.Attentions()[1].Name; got != "encoder.encoders.1.self_attn" {
		t.Errorf("unexpected encoder name %q", got)
	}
	names := dec.Attentions()
	if len(names) != 2 || names[1].Name != "decoder.decoders.0.src_attn" {
		t.Errorf("unexpected decoder names %+v", names)
	}
	if !nn.AnyRequiresGrad(append(enc.Params(), dec.Params()...)) {
		t.Error("fresh stacks should be trainable")
	}
}
