package writer

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeBatchResults struct{}

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}
func (r *fakeBatchResults) Query() (pgx.Rows, error) { return nil, nil }
func (r *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (r *fakeBatchResults) Close() error             { return nil }

// fakeDB records how many rows were queued and the context state at send
// time.
type fakeDB struct {
	mu      sync.Mutex
	queued  int
	ctxErrs []error
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued += b.Len()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return &fakeBatchResults{}
}

func TestPublicationWriter_Transform(t *testing.T) {
	cfg := DefaultWriterConfig()
	input := make(chan PublicationRecord, 10)
	w := NewPublicationWriter(cfg, input, nil, nil)

	receivedAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rec := PublicationRecord{
		Channel:    "market:updates",
		Offset:     42,
		Data:       []byte(`{"price":100}`),
		ReceivedAt: receivedAt,
		Gap:        true,
	}

	row := w.transform(rec)

	if row.Channel != "market:updates" {
		t.Errorf("Channel = %s, want market:updates", row.Channel)
	}
	if row.Offset != 42 {
		t.Errorf("Offset = %d, want 42", row.Offset)
	}
	if row.ReceivedAt != receivedAt.UnixMicro() {
		t.Errorf("ReceivedAt = %d, want %d", row.ReceivedAt, receivedAt.UnixMicro())
	}
	if string(row.Data) != `{"price":100}` {
		t.Errorf("Data = %s", row.Data)
	}
	if !row.Gap {
		t.Error("Gap not carried through")
	}
	if row.SessionID != w.sessionID {
		t.Errorf("SessionID = %s, want %s", row.SessionID, w.sessionID)
	}
}

func TestPublicationWriter_Lifecycle(t *testing.T) {
	cfg := WriterConfig{
		BatchSize:     10,
		FlushInterval: 100 * time.Millisecond,
	}
	input := make(chan PublicationRecord, 10)

	// Note: We can't test actual DB writes without a database
	// This tests the goroutine lifecycle
	w := NewPublicationWriter(cfg, input, nil, nil)

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Give goroutines time to start
	time.Sleep(20 * time.Millisecond)

	// Stop should complete without hanging
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestPublicationWriter_HandleRecord_AddsToBatch(t *testing.T) {
	cfg := WriterConfig{
		BatchSize:     100, // Large batch so no auto-flush
		FlushInterval: time.Hour,
	}
	input := make(chan PublicationRecord, 10)
	w := NewPublicationWriter(cfg, input, nil, nil)

	w.handleRecord(PublicationRecord{
		Channel:    "news",
		Offset:     1,
		Data:       []byte(`{}`),
		ReceivedAt: time.Now(),
	})
	w.handleRecord(PublicationRecord{
		Channel:    "news",
		Offset:     2,
		Data:       []byte(`{}`),
		ReceivedAt: time.Now(),
		Gap:        true,
	})

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	if len(w.batch) != 2 {
		t.Errorf("batch size = %d, want 2", len(w.batch))
	}
	if w.metrics.Gaps != 1 {
		t.Errorf("gap count = %d, want 1", w.metrics.Gaps)
	}
}

func TestPublicationWriter_StopFlushesBufferedRecords(t *testing.T) {
	cfg := WriterConfig{
		BatchSize:     100, // Large batch so nothing flushes early
		FlushInterval: time.Hour,
	}
	input := make(chan PublicationRecord, 10)
	db := &fakeDB{}
	w := NewPublicationWriter(cfg, input, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	input <- PublicationRecord{Channel: "news", Offset: 1, Data: []byte(`{}`), ReceivedAt: time.Now()}
	input <- PublicationRecord{Channel: "news", Offset: 2, Data: []byte(`{}`), ReceivedAt: time.Now()}

	// Wait for the consume loop to batch both records.
	deadline := time.Now().Add(time.Second)
	for {
		w.batchMu.Lock()
		n := len(w.batch)
		w.batchMu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("records never reached the batch, have %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.queued != 2 {
		t.Errorf("flushed rows = %d, want 2", db.queued)
	}
	// The final flush must not run on the writer's own cancelled context.
	for i, err := range db.ctxErrs {
		if err != nil {
			t.Errorf("SendBatch %d received dead context: %v", i, err)
		}
	}

	stats := w.Stats()
	if stats.Inserts != 2 {
		t.Errorf("Inserts = %d, want 2", stats.Inserts)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}
}

func TestPublicationWriter_TransformClampsHugeOffset(t *testing.T) {
	input := make(chan PublicationRecord, 1)
	w := NewPublicationWriter(DefaultWriterConfig(), input, nil, nil)

	row := w.transform(PublicationRecord{
		Channel:    "news",
		Offset:     math.MaxUint64,
		ReceivedAt: time.Now(),
	})
	if row.Offset != math.MaxInt64 {
		t.Errorf("Offset = %d, want clamp at %d", row.Offset, int64(math.MaxInt64))
	}
}

func TestPublicationWriter_SessionIDStable(t *testing.T) {
	input := make(chan PublicationRecord, 1)
	w := NewPublicationWriter(DefaultWriterConfig(), input, nil, nil)

	a := w.transform(PublicationRecord{Channel: "x", Offset: 1, ReceivedAt: time.Now()})
	b := w.transform(PublicationRecord{Channel: "y", Offset: 2, ReceivedAt: time.Now()})
	if a.SessionID == "" || a.SessionID != b.SessionID {
		t.Errorf("session id unstable: %q vs %q", a.SessionID, b.SessionID)
	}
}
