package pretrain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"testing"

	"github.com/23skdu/longbow-asr/internal/attention"
	"github.com/23skdu/longbow-asr/internal/config"
	"github.com/23skdu/longbow-asr/internal/gmm"
	"github.com/23skdu/longbow-asr/internal/logger"
	"github.com/23skdu/longbow-asr/internal/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newAttention(t *testing.T) *attention.Disentangled {
	t.Helper()
	a, err := attention.New("enc.0", attention.Config{
		Dim:           8,
		Heads:         2,
		Clusters:      3,
		VarEstimation: config.VarLearned,
		MuGrad:        true,
		MIEstimator:   config.MIBoundGap,
	}, nn.NewRand(3))
	require.NoError(t, err)
	return a
}

func sequence(rows int, seed uint64) *mat.Dense {
	rng := nn.NewRand(seed)
	m := mat.NewDense(rows, 8, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < 8; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

func record(a *attention.Disentangled, rows int, seed uint64) *attention.Record {
	x := sequence(rows, seed)
	return a.Forward(x, x, x, nil, attention.ModeRecord).Record
}

func TestStageStartsCollectingWithoutPrefit(t *testing.T) {
	s := NewStage(10, 5, false)
	assert.Equal(t, Collecting, s.State())
	assert.True(t, s.Collecting())

	s.Begin(true)
	assert.False(t, s.Advance(4))
	assert.False(t, s.Advance(5))
	assert.True(t, s.Advance(1))
	s.Complete()
	assert.Equal(t, Training, s.State())
	assert.False(t, s.Advance(100), "no further fits once training")
	assert.Equal(t, 1, s.Fits())
}

func TestStageNeverRearmsWithoutPrefit(t *testing.T) {
	s := NewStage(1, 2, false)
	s.Advance(1)
	s.Complete()
	for i := 0; i < 10; i++ {
		assert.False(t, s.Begin(true))
	}
	assert.Equal(t, Training, s.State())
}

func TestStageRearmsOnceWhenPrefit(t *testing.T) {
	s := NewStage(4, 3, true)
	assert.Equal(t, Training, s.State())

	assert.False(t, s.Begin(true))
	assert.False(t, s.Begin(true))
	assert.True(t, s.Begin(true))
	assert.Equal(t, Rearmed, s.State())
	assert.True(t, s.IncludeHeads())
	assert.Zero(t, s.Tokens())

	assert.True(t, s.Advance(4))
	s.Complete()
	for i := 0; i < 10; i++ {
		assert.False(t, s.Begin(true))
	}
	assert.True(t, s.Rearmed())
	assert.Equal(t, 1, s.Fits())
}

func TestStageEvalPassesDoNotCountUpdates(t *testing.T) {
	s := NewStage(4, 1, true)
	for i := 0; i < 5; i++ {
		s.Begin(false)
	}
	assert.Zero(t, s.Updates())
	assert.Equal(t, Training, s.State())
}

func TestBufferPoolsQueriesTokenMajor(t *testing.T) {
	a := newAttention(t)
	rec := record(a, 5, 1)

	buf := NewBuffer()
	buf.Add(StreamEncoder, []*attention.Record{rec})

	assert.Equal(t, 5, buf.Rows(Key{StreamEncoder, 0, 0}))
	assert.Equal(t, 5, buf.Rows(Key{StreamEncoder, 0, 1}))
	assert.Equal(t, 10, buf.Rows(Key{StreamEncoder, 0, HeadMixture}))

	pooled := buf.Matrix(Key{StreamEncoder, 0, HeadMixture}, 0)
	assert.Equal(t, rec.Query[1].RawRowView(0), pooled.RawRowView(1))
	assert.Equal(t, rec.Query[0].RawRowView(1), pooled.RawRowView(2))

	assert.Equal(t, 3, buf.Matrix(Key{StreamEncoder, 0, 0}, 3).RawMatrix().Rows)
	assert.Nil(t, buf.Matrix(Key{StreamDecoder, 0, 0}, 3))

	buf.Reset()
	assert.Empty(t, buf.Keys())
}

func TestSnapshotTruncatesLikeFits(t *testing.T) {
	a := newAttention(t)
	buf := NewBuffer()
	buf.Add(StreamEncoder, []*attention.Record{record(a, 6, 1), record(a, 6, 2)})

	snap := buf.Snapshot("run", 4, 2)
	require.Len(t, snap.Entries, 6)
	for _, e := range snap.Entries {
		r, _ := e.Data.Dims()
		if e.Key.Head == HeadMixture {
			assert.Equal(t, 8, r)
		} else {
			assert.Equal(t, 4, r)
		}
	}
}

func TestInitializerWritesFittedMixtures(t *testing.T) {
	a := newAttention(t)
	buf := NewBuffer()
	for seed := uint64(1); seed <= 4; seed++ {
		buf.Add(StreamEncoder, []*attention.Record{record(a, 10, seed)})
	}
	before := mat.DenseCopyOf(a.SemanticMu[0].Data)

	bindings := []Binding{
		{Key: Key{StreamEncoder, 0, 0}, Target: a.SemanticTarget(0)},
		{Key: Key{StreamEncoder, 0, 1}, Target: a.SemanticTarget(1)},
		{Key: Key{StreamEncoder, 0, HeadMixture}, Target: a.HeadTarget()},
	}
	in := NewInitializer(gmm.DefaultConfig(0), 2)
	results, err := in.Run(context.Background(), buf, bindings, 30)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 30, results[0].Samples)
	assert.Equal(t, 60, results[2].Samples)

	assert.False(t, mat.Equal(before, a.SemanticMu[0].Data))
	total := 0.0
	for _, lp := range a.SemanticLogPrior[0].Data.RawRowView(0) {
		total += math.Exp(lp)
	}
	assert.InDelta(t, 1, total, 1e-6)
}

func TestInitializerSkipsSparseBuffers(t *testing.T) {
	a := newAttention(t)
	buf := NewBuffer()
	buf.Add(StreamEncoder, []*attention.Record{record(a, 2, 1)})
	before := mat.DenseCopyOf(a.SemanticMu[0].Data)

	in := NewInitializer(gmm.DefaultConfig(0), 1)
	results, err := in.Run(context.Background(), buf, []Binding{
		{Key: Key{StreamEncoder, 0, 0}, Target: a.SemanticTarget(0)},
		{Key: Key{StreamDecoder, 0, 0}, Target: a.SemanticTarget(1)},
	}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.True(t, mat.Equal(before, a.SemanticMu[0].Data))
}

func TestInitializerLogsEachFit(t *testing.T) {
	var out bytes.Buffer
	logger.SetOutput(&out, "json")
	defer logger.SetOutput(os.Stderr, "console")

	a := newAttention(t)
	buf := NewBuffer()
	for seed := uint64(1); seed <= 4; seed++ {
		buf.Add(StreamEncoder, []*attention.Record{record(a, 10, seed)})
	}
	keys := []Key{{StreamEncoder, 0, 0}, {StreamEncoder, 0, 1}, {StreamEncoder, 0, HeadMixture}}
	bindings := []Binding{
		{Key: keys[0], Target: a.SemanticTarget(0)},
		{Key: keys[1], Target: a.SemanticTarget(1)},
		{Key: keys[2], Target: a.HeadTarget()},
	}
	_, err := NewInitializer(gmm.DefaultConfig(0), 1).Run(context.Background(), buf, bindings, 30)
	require.NoError(t, err)

	var logged []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		if ev["message"] == "Fitting mixture" {
			assert.Equal(t, "info", ev["level"])
			logged = append(logged, ev["key"].(string))
		}
	}
	want := make([]string, len(keys))
	for i, k := range keys {
		want[i] = k.String()
	}
	assert.ElementsMatch(t, want, logged)
}
