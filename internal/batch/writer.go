// Package batch writes record streams into a verbatim store collection in
// bounded batches, halving batches that the store rejects as overloaded.
package batch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/johndauphine/obs-harvest/internal/logging"
	"github.com/johndauphine/obs-harvest/internal/store"
)

// Op selects the store operation used for each batch.
type Op int

const (
	// OpInsert appends records with InsertMany.
	OpInsert Op = iota
	// OpUpsert merges records by key with UpsertMany.
	OpUpsert
)

func (o Op) String() string {
	if o == OpUpsert {
		return "upsert"
	}
	return "insert"
}

// Config holds writer tuning.
type Config struct {
	// BatchSize is the number of records per store call (default 1000).
	BatchSize int
	// MinSplitSize: an overloaded batch of this many records or fewer is
	// reported failed instead of split (default 5).
	MinSplitSize int
}

// Result summarizes one Write call.
type Result struct {
	Written       int64 // records acknowledged by the store
	Failed        int64 // records in batches that could not be written
	FailedBatches int   // top-level batches with at least one failed record
	Splits        int64 // number of times a batch was halved
	Permanent     error // first non-transient error, if any
}

// OK reports whether every batch was written.
func (r Result) OK() bool {
	return r.Failed == 0 && r.Permanent == nil
}

// Writer writes batches sequentially into one store.
type Writer struct {
	store     store.Store
	batchSize int
	minSplit  int
}

// New creates a Writer, applying defaults for zero config values.
func New(s store.Store, cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MinSplitSize <= 0 {
		cfg.MinSplitSize = 5
	}
	return &Writer{store: s, batchSize: cfg.BatchSize, minSplit: cfg.MinSplitSize}
}

// BatchSize returns the configured batch size.
func (w *Writer) BatchSize() int { return w.batchSize }

type outcome struct {
	written   int64
	failed    int64
	permanent error
}

// Write splits records into consecutive batches and writes them one after
// another. A batch that fails after splitting does not stop later batches.
// A permanent error does: the run is going to abort and skipping later
// batches keeps the staged watermark from passing unwritten records.
func (w *Writer) Write(ctx context.Context, name string, records []store.Record, op Op) Result {
	var res Result
	var splits atomic.Int64

	for start := 0; start < len(records); start += w.batchSize {
		end := start + w.batchSize
		if end > len(records) {
			end = len(records)
		}

		if err := ctx.Err(); err != nil {
			res.Failed += int64(len(records) - start)
			res.FailedBatches++
			res.Permanent = err
			break
		}

		o := w.writeBatch(ctx, name, records[start:end], op, 0, &splits)
		res.Written += o.written
		res.Failed += o.failed
		if o.failed > 0 {
			res.FailedBatches++
		}
		if o.permanent != nil {
			res.Permanent = o.permanent
			res.Failed += int64(len(records) - end)
			break
		}
	}

	res.Splits = splits.Load()
	return res
}

func (w *Writer) apply(ctx context.Context, name string, batch []store.Record, op Op) error {
	if op == OpUpsert {
		return w.store.UpsertMany(ctx, name, batch)
	}
	return w.store.InsertMany(ctx, name, batch)
}

// writeBatch writes one batch. On overload it halves the batch and writes both
// halves concurrently, returning only after both have finished.
func (w *Writer) writeBatch(ctx context.Context, name string, batch []store.Record, op Op, depth int, splits *atomic.Int64) outcome {
	err := w.apply(ctx, name, batch, op)
	if err == nil {
		return outcome{written: int64(len(batch))}
	}

	if !store.IsOverloaded(err) {
		logging.Error("%s of %d records into %s failed: %v", op, len(batch), name, err)
		return outcome{failed: int64(len(batch)), permanent: err}
	}

	if len(batch) <= w.minSplit {
		logging.Warn("%s of %d records into %s still overloaded at depth %d, giving up on batch: %v",
			op, len(batch), name, depth, err)
		return outcome{failed: int64(len(batch))}
	}

	splits.Add(1)
	mid := len(batch) / 2
	logging.Debug("  %s into %s overloaded, splitting %d -> %d + %d", op, name, len(batch), mid, len(batch)-mid)

	var left, right outcome
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		left = w.writeBatch(ctx, name, batch[:mid], op, depth+1, splits)
	}()
	go func() {
		defer wg.Done()
		right = w.writeBatch(ctx, name, batch[mid:], op, depth+1, splits)
	}()
	wg.Wait()

	out := outcome{
		written: left.written + right.written,
		failed:  left.failed + right.failed,
	}
	out.permanent = left.permanent
	if out.permanent == nil {
		out.permanent = right.permanent
	}
	return out
}
