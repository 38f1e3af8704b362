// Package arrowio moves recognizer diagnostics and pretraining embeddings in
// Arrow format: IPC streams for attention maps and CTC posteriors, and an
// Arrow Flight sink for the initialization buffer.
package arrowio

import (
	"fmt"

	"github.com/23skdu/longbow-asr/internal/pretrain"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"
)

// AttentionMap holds the per-head weights (L x S) of one module for one utterance.
type AttentionMap struct {
	Module    string
	Utterance int
	Heads     []*mat.Dense
}

// CTCProbs holds the frame posteriors (T x V) of one utterance.
type CTCProbs struct {
	Utterance int
	Probs     *mat.Dense
}

var (
	attentionSchema = arrow.NewSchema([]arrow.Field{
		{Name: "module", Type: arrow.BinaryTypes.String},
		{Name: "utterance", Type: arrow.PrimitiveTypes.Int32},
		{Name: "head", Type: arrow.PrimitiveTypes.Int32},
		{Name: "rows", Type: arrow.PrimitiveTypes.Int32},
		{Name: "cols", Type: arrow.PrimitiveTypes.Int32},
		{Name: "weights", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, nil)

	ctcSchema = arrow.NewSchema([]arrow.Field{
		{Name: "utterance", Type: arrow.PrimitiveTypes.Int32},
		{Name: "frame", Type: arrow.PrimitiveTypes.Int32},
		{Name: "probs", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, nil)

	embeddingSchema = arrow.NewSchema([]arrow.Field{
		{Name: "run_id", Type: arrow.BinaryTypes.String},
		{Name: "stream", Type: arrow.BinaryTypes.String},
		{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
		{Name: "head", Type: arrow.PrimitiveTypes.Int32},
		{Name: "vector", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, nil)
)

func appendList(b array.Builder, values []float64) {
	lb := b.(*array.ListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Float64Builder).AppendValues(values, nil)
}

func attentionRecord(mem memory.Allocator, maps []AttentionMap) arrow.Record {
	b := array.NewRecordBuilder(mem, attentionSchema)
	defer b.Release()
	for _, m := range maps {
		for h, w := range m.Heads {
			r, c := w.Dims()
			b.Field(0).(*array.StringBuilder).Append(m.Module)
			b.Field(1).(*array.Int32Builder).Append(int32(m.Utterance))
			b.Field(2).(*array.Int32Builder).Append(int32(h))
			b.Field(3).(*array.Int32Builder).Append(int32(r))
			b.Field(4).(*array.Int32Builder).Append(int32(c))
			appendList(b.Field(5), mat.DenseCopyOf(w).RawMatrix().Data)
		}
	}
	return b.NewRecord()
}

func ctcRecord(mem memory.Allocator, probs []CTCProbs) arrow.Record {
	b := array.NewRecordBuilder(mem, ctcSchema)
	defer b.Release()
	for _, p := range probs {
		T, _ := p.Probs.Dims()
		for t := 0; t < T; t++ {
			b.Field(0).(*array.Int32Builder).Append(int32(p.Utterance))
			b.Field(1).(*array.Int32Builder).Append(int32(t))
			appendList(b.Field(2), p.Probs.RawRowView(t))
		}
	}
	return b.NewRecord()
}

// embeddingRecord encodes one buffer entry, one row per stored vector.
func embeddingRecord(mem memory.Allocator, runID string, e pretrain.Entry) arrow.Record {
	b := array.NewRecordBuilder(mem, embeddingSchema)
	defer b.Release()
	n, _ := e.Data.Dims()
	for i := 0; i < n; i++ {
		b.Field(0).(*array.StringBuilder).Append(runID)
		b.Field(1).(*array.StringBuilder).Append(string(e.Key.Stream))
		b.Field(2).(*array.Int32Builder).Append(int32(e.Key.Layer))
		b.Field(3).(*array.Int32Builder).Append(int32(e.Key.Head))
		appendList(b.Field(4), e.Data.RawRowView(i))
	}
	return b.NewRecord()
}

// listRow returns row i of a list<float64> column.
func listRow(col arrow.Array, i int) ([]float64, error) {
	list, ok := col.(*array.List)
	if !ok {
		return nil, fmt.Errorf("expected list column, got %s", col.DataType())
	}
	values, ok := list.ListValues().(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("expected float64 list values, got %s", list.ListValues().DataType())
	}
	start, end := list.ValueOffsets(i)
	return append([]float64(nil), values.Float64Values()[start:end]...), nil
}
