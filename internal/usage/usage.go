// Package usage implements the ClickHouse-backed usage recorder: a
// non-blocking, batched sink for priced cost.Record rows, built the way the
// teacher's internal/logger batches and flushes RequestLog entries — a
// buffered channel drained by one background goroutine, with a
// dropped-entry counter instead of blocking the hot path when the sink
// falls behind.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/agenthub/gateway/internal/cost"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = 5 * time.Second

	insertQuery = `INSERT INTO usage_records
		(recorded_at, provider, model, input_tokens, output_tokens, micro_usd, unknown_model)`
)

// Row is a cost.Record paired with the provider name, flattened for
// insertion into the usage_records table.
type Row struct {
	Provider string
	Record   cost.Record
}

// Inserter writes a batch of Rows to durable storage. chInserter is the
// production implementation; tests supply a fake so the channel/batch/drop
// logic can be exercised without a live ClickHouse server.
type Inserter interface {
	Insert(ctx context.Context, rows []Row) error
}

// chInserter adapts a ClickHouse driver.Conn to Inserter, confining all use
// of the driver's batch API (PrepareBatch/Append/Send) to this one type.
type chInserter struct {
	conn driver.Conn
}

func (c *chInserter) Insert(ctx context.Context, rows []Row) error {
	b, err := c.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, row := range rows {
		rec := row.Record
		at := rec.RecordedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if err := b.Append(at, row.Provider, rec.Model, uint32(rec.InputTokens), uint32(rec.OutputTokens), rec.MicroUSD, rec.UnknownModel); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}

	return b.Send()
}

func (c *chInserter) Close() error { return c.conn.Close() }

// Recorder is an async batched ClickHouse writer. It implements
// cost.Sink, so a *Recorder can be passed directly to cost.New.
type Recorder struct {
	ins       Inserter
	closer    func() error
	ch        chan Row
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedRows int64

	baseCtx context.Context
	log     *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger overrides the default stderr JSON logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// New opens a ClickHouse connection at addr and starts the background flush
// goroutine. ctx governs the lifetime of insert calls made by that
// goroutine, not the call to New itself.
func New(ctx context.Context, addr, database, username, password string, opts ...Option) (*Recorder, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("usage: open clickhouse: %w", err)
	}

	ch := &chInserter{conn: conn}
	return newRecorder(ctx, ch, ch.Close, opts...)
}

// NewWithInserter builds a Recorder around an arbitrary Inserter, bypassing
// ClickHouse entirely. Used by tests and by deployments that want a
// different durable sink behind the same batching/drop semantics.
func NewWithInserter(ctx context.Context, ins Inserter, opts ...Option) (*Recorder, error) {
	return newRecorder(ctx, ins, func() error { return nil }, opts...)
}

func newRecorder(ctx context.Context, ins Inserter, closer func() error, opts ...Option) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}

	r := &Recorder{
		ins:     ins,
		closer:  closer,
		ch:      make(chan Row, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// RecordCost enqueues rec for the next batch insert. Implements cost.Sink.
// Never blocks: if the internal buffer is full the row is dropped and
// counted in DroppedRows.
func (r *Recorder) RecordCost(rec cost.Record, provider string) {
	select {
	case r.ch <- Row{Provider: provider, Record: rec}:
	default:
		atomic.AddInt64(&r.droppedRows, 1)
	}
}

// DroppedRows returns the count of rows dropped because the buffer was full.
func (r *Recorder) DroppedRows() int64 {
	return atomic.LoadInt64(&r.droppedRows)
}

// Close stops the flush goroutine, flushing any buffered rows first, and
// closes the underlying ClickHouse connection.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.closer()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Row, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.ins.Insert(ctx, batch); err != nil {
			r.log.ErrorContext(ctx, "usage_flush_failed", slog.String("error", err.Error()), slog.Int("rows", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-r.ch:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				flush(r.baseCtx)
			}

		case <-ticker.C:
			flush(r.baseCtx)

		case <-r.done:
			for {
				select {
				case row := <-r.ch:
					batch = append(batch, row)
					if len(batch) >= batchSize {
						flush(r.baseCtx)
					}
				default:
					flush(r.baseCtx)
					return
				}
			}
		}
	}
}
