package arrowio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/23skdu/longbow-asr/internal/logger"
	"github.com/23skdu/longbow-asr/internal/pretrain"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultFlightPort is the data port of the embedding store.
const DefaultFlightPort = 3000

var ErrNotConnected = errors.New("sink not connected, call Connect() first")

// EmbeddingSink receives the initialization buffer right before mixtures are fitted.
type EmbeddingSink interface {
	Put(ctx context.Context, snap pretrain.Snapshot) error
}

// FlightSink streams snapshots to an Arrow Flight server with DoPut.
type FlightSink struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	log     *logger.Logger
}

func NewFlightSink(host string, port int) *FlightSink {
	if port <= 0 {
		port = DefaultFlightPort
	}
	return &FlightSink{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
		log:     logger.Component("arrowio"),
	}
}

func (s *FlightSink) Addr() string { return s.addr }

// Connect dials the Flight server without blocking on the connection.
func (s *FlightSink) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, s.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("create flight client: %w", err)
	}
	s.client = client
	return nil
}

func (s *FlightSink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Put sends every entry of snap as one record batch on a single DoPut stream,
// described by the path ["embeddings", run id].
func (s *FlightSink) Put(ctx context.Context, snap pretrain.Snapshot) error {
	if s.client == nil {
		return ErrNotConnected
	}
	if len(snap.Entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("open DoPut stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(embeddingSchema), ipc.WithAllocator(memory.DefaultAllocator))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"embeddings", snap.RunID},
	})

	rows := 0
	for _, e := range snap.Entries {
		rec := embeddingRecord(memory.DefaultAllocator, snap.RunID, e)
		err := w.Write(rec)
		rows += int(rec.NumRows())
		rec.Release()
		if err != nil {
			w.Close()
			return fmt.Errorf("write %s: %w", e.Key, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close flight writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close DoPut stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("DoPut result: %w", err)
		}
	}
	s.log.Info("Sent embeddings", "entries", len(snap.Entries), "rows", rows, "run_id", snap.RunID)
	return nil
}

// MemorySink keeps snapshots in memory, keyed by run id.
type MemorySink struct {
	mu   sync.RWMutex
	data map[string][]pretrain.Snapshot
	err  error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{data: make(map[string][]pretrain.Snapshot)}
}

// FailWith makes every following Put return err.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemorySink) Put(_ context.Context, snap pretrain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[snap.RunID] = append(m.data[snap.RunID], snap)
	return nil
}

// Snapshots returns everything stored for runID.
func (m *MemorySink) Snapshots(runID string) []pretrain.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]pretrain.Snapshot(nil), m.data[runID]...)
}

func (m *MemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]pretrain.Snapshot)
}
