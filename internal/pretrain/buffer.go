package pretrain

import (
	"fmt"
	"sort"

	"github.com/23skdu/longbow-asr/internal/attention"
	"gonum.org/v1/gonum/mat"
)

// Stream names one family of attention modules.
type Stream string

const (
	StreamEncoder    Stream = "enc"
	StreamDecoder    Stream = "dec"
	StreamDecoderSrc Stream = "dec_src"
)

// HeadMixture in Key.Head selects the pooled query rows of a layer.
const HeadMixture = -1

type Key struct {
	Stream Stream
	Layer  int
	Head   int
}

func (k Key) String() string {
	if k.Head == HeadMixture {
		return fmt.Sprintf("%s/layer=%d/heads", k.Stream, k.Layer)
	}
	return fmt.Sprintf("%s/layer=%d/head=%d", k.Stream, k.Layer, k.Head)
}

// Kind reports whether the key addresses a semantic or a head-selection mixture.
func (k Key) Kind() string {
	if k.Head == HeadMixture {
		return "head"
	}
	return "semantic"
}

type rows struct {
	dim  int
	data []float64
}

func (r *rows) add(v []float64) {
	r.data = append(r.data, v...)
}

func (r *rows) len() int { return len(r.data) / r.dim }

func (r *rows) matrix(limit int) *mat.Dense {
	n := r.len()
	if limit > 0 && n > limit {
		n = limit
	}
	if n == 0 {
		return nil
	}
	return mat.NewDense(n, r.dim, append([]float64(nil), r.data[:n*r.dim]...))
}

// Buffer accumulates attended hidden states per (stream, layer, head) and
// pooled query projections per (stream, layer).
type Buffer struct {
	data map[Key]*rows
}

func NewBuffer() *Buffer {
	return &Buffer{data: make(map[Key]*rows)}
}

func (b *Buffer) at(k Key, dim int) *rows {
	r, ok := b.data[k]
	if !ok {
		r = &rows{dim: dim}
		b.data[k] = r
	}
	return r
}

// Add appends the records of one utterance, one record per layer of the stream.
func (b *Buffer) Add(stream Stream, records []*attention.Record) {
	for layer, rec := range records {
		if rec == nil || len(rec.Hidden) == 0 {
			continue
		}
		_, dim := rec.Hidden[0].Dims()
		for h, hs := range rec.Hidden {
			r := b.at(Key{Stream: stream, Layer: layer, Head: h}, dim)
			n, _ := hs.Dims()
			for i := 0; i < n; i++ {
				r.add(hs.RawRowView(i))
			}
		}
		pooled := b.at(Key{Stream: stream, Layer: layer, Head: HeadMixture}, dim)
		n, _ := rec.Query[0].Dims()
		for i := 0; i < n; i++ {
			for _, q := range rec.Query {
				pooled.add(q.RawRowView(i))
			}
		}
	}
}

// Rows returns how many rows are stored under k.
func (b *Buffer) Rows(k Key) int {
	if r, ok := b.data[k]; ok {
		return r.len()
	}
	return 0
}

// Matrix copies at most limit rows stored under k; nil when nothing was recorded.
func (b *Buffer) Matrix(k Key, limit int) *mat.Dense {
	r, ok := b.data[k]
	if !ok {
		return nil
	}
	return r.matrix(limit)
}

// Keys lists stored keys in a stable order.
func (b *Buffer) Keys() []Key {
	keys := make([]Key, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Stream != keys[j].Stream {
			return keys[i].Stream < keys[j].Stream
		}
		if keys[i].Layer != keys[j].Layer {
			return keys[i].Layer < keys[j].Layer
		}
		return keys[i].Head < keys[j].Head
	})
	return keys
}

// Reset releases everything collected so far.
func (b *Buffer) Reset() {
	b.data = make(map[Key]*rows)
}

// Entry is one stored matrix of a Snapshot.
type Entry struct {
	Key  Key
	Data *mat.Dense
}

// Snapshot is the buffer content offered to external embedding sinks.
type Snapshot struct {
	RunID   string
	Entries []Entry
}

// Snapshot copies every stream, truncated the same way the fits see it.
func (b *Buffer) Snapshot(runID string, budget, heads int) Snapshot {
	s := Snapshot{RunID: runID}
	for _, k := range b.Keys() {
		limit := budget
		if k.Head == HeadMixture {
			limit = budget * heads
		}
		if m := b.Matrix(k, limit); m != nil {
			s.Entries = append(s.Entries, Entry{Key: k, Data: m})
		}
	}
	return s
}
