package arrowio

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"
)

func writeStream(w io.Writer, schema *arrow.Schema, rec arrow.Record) error {
	defer rec.Release()
	iw := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write arrow record: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("close arrow stream: %w", err)
	}
	return nil
}

// WriteAttentions writes one Arrow IPC stream row per (module, utterance, head).
func WriteAttentions(w io.Writer, maps []AttentionMap) error {
	return writeStream(w, attentionSchema, attentionRecord(memory.DefaultAllocator, maps))
}

// WriteCTCProbs writes one Arrow IPC stream row per (utterance, frame).
func WriteCTCProbs(w io.Writer, probs []CTCProbs) error {
	return writeStream(w, ctcSchema, ctcRecord(memory.DefaultAllocator, probs))
}

// ReadAttentions decodes a stream written by WriteAttentions, regrouping heads per module and utterance.
func ReadAttentions(r io.Reader) ([]AttentionMap, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("open arrow stream: %w", err)
	}
	defer rdr.Release()

	var maps []AttentionMap
	for rdr.Next() {
		rec := rdr.Record()
		module := rec.Column(0).(*array.String)
		utt := rec.Column(1).(*array.Int32)
		rows := rec.Column(3).(*array.Int32)
		cols := rec.Column(4).(*array.Int32)
		for i := 0; i < int(rec.NumRows()); i++ {
			data, err := listRow(rec.Column(5), i)
			if err != nil {
				return nil, err
			}
			w := mat.NewDense(int(rows.Value(i)), int(cols.Value(i)), data)
			n := len(maps)
			if n == 0 || maps[n-1].Module != module.Value(i) || maps[n-1].Utterance != int(utt.Value(i)) {
				maps = append(maps, AttentionMap{Module: module.Value(i), Utterance: int(utt.Value(i))})
				n++
			}
			maps[n-1].Heads = append(maps[n-1].Heads, w)
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read arrow stream: %w", err)
	}
	return maps, nil
}
