package writer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DB is the subset of pgxpool.Pool the writer needs.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PublicationWriter consumes publication records and writes them to the
// publications table in batches.
type PublicationWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// sessionID tags every row written by this process lifetime.
	sessionID string

	// Input from the tailer
	input <-chan PublicationRecord

	// Database
	db DB

	// Batching
	batch       []publicationRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewPublicationWriter creates a new PublicationWriter.
func NewPublicationWriter(
	cfg WriterConfig,
	input <-chan PublicationRecord,
	db DB,
	logger *slog.Logger,
) *PublicationWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublicationWriter{
		cfg:       cfg,
		sessionID: uuid.New().String(),
		input:     input,
		db:        db,
		logger:    logger,
		batch:     make([]publicationRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming records and writing to the database.
func (w *PublicationWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("publication writer started",
		"session_id", w.sessionID,
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *PublicationWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping publication writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("publication writer stopped")
	case <-ctx.Done():
		w.logger.Warn("publication writer stop timed out")
	}

	// Final flush on the caller's context; w.ctx is already cancelled.
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *PublicationWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads records from the input channel and accumulates batches.
func (w *PublicationWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case rec, ok := <-w.input:
			if !ok {
				return
			}
			w.handleRecord(rec)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *PublicationWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleRecord transforms and adds a record to the batch.
func (w *PublicationWriter) handleRecord(rec PublicationRecord) {
	row := w.transform(rec)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	if rec.Gap {
		w.metrics.Gaps++
	}
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// transform converts a PublicationRecord to a publicationRow. Offsets
// beyond the bigint range are clamped rather than wrapped negative.
func (w *PublicationWriter) transform(rec PublicationRecord) publicationRow {
	offset := rec.Offset
	if offset > math.MaxInt64 {
		offset = math.MaxInt64
	}
	return publicationRow{
		Channel:    rec.Channel,
		Offset:     int64(offset),
		ReceivedAt: rec.ReceivedAt.UnixMicro(),
		Data:       rec.Data,
		Gap:        rec.Gap,
		SessionID:  w.sessionID,
	}
}

// flush writes the current batch to the database.
func (w *PublicationWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]publicationRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed publications",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *PublicationWriter) batchInsert(ctx context.Context, rows []publicationRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO publications (channel, record_offset, received_at, data, gap, session_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (channel, record_offset) DO NOTHING
		`, r.Channel, r.Offset, r.ReceivedAt, r.Data, r.Gap, r.SessionID)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
