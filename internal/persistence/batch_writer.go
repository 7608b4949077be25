package persistence

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter batches database writes, flushing on size or on a timer.
type BatchWriter struct {
	db            *sql.DB
	logger        *zap.Logger
	buffer        []WriteOp
	mu            sync.Mutex
	flushMu       sync.Mutex
	maxSize       int
	flushInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	lastBatch    atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64 `json:"total_writes"`
	TotalBatches  uint64 `json:"total_batches"`
	TotalErrors   uint64 `json:"total_errors"`
	LastBatchSize int    `json:"last_batch_size"`
}

// NewBatchWriter creates a batch writer flushing every maxSize operations
// or every interval.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, logger *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bw := &BatchWriter{
		db:            db,
		logger:        logger.Named("batch_writer"),
		buffer:        make([]WriteOp, 0, maxSize),
		maxSize:       maxSize,
		flushInterval: interval,
		done:          make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush()
	}
}

// WriteQuery is a convenience method for simple queries.
func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{Query: query, Args: args})
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

// executeBatch runs a batch of operations in a transaction.
func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.lastBatch.Store(int64(len(ops)))

	tx, err := bw.db.Begin()
	if err != nil {
		bw.totalErrors.Add(1)
		bw.logger.Error("begin batch", zap.Error(err))
		return err
	}

	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			bw.logger.Error("batch query failed, rolled back", zap.Int("operations", len(ops)), zap.Error(err))
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		bw.logger.Error("commit batch", zap.Error(err))
		return err
	}

	bw.logger.Debug("batch flushed", zap.Int("operations", len(ops)))
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.done:
			// final flush before shutdown
			_ = bw.Flush()
			return
		}
	}
}

// Pending returns the number of buffered operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics returns the counters of the writer.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: int(bw.lastBatch.Load()),
	}
}

// Close flushes what is buffered and stops the background flush.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
