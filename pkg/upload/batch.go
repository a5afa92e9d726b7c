package upload

import (
	"context"
	"time"
)

// Batch is the ordered, lot-tagged set of items handed to the processor.
type Batch struct {
	SessionID string
	UserID    string
	Lot       string
	Origin    Origin
	Date      time.Time
	Items     []Item
}

// Outcome reports per-item results of processing a batch. A batch is never
// failed atomically: Failed counts the items that could not be stored.
type Outcome struct {
	Succeeded int
	Failed    int
	Filenames []string
	Errors    []error
}

// BatchProcessor persists a flushed batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batch Batch) (Outcome, error)
}

// BatchProcessorFunc adapts a function to BatchProcessor.
type BatchProcessorFunc func(ctx context.Context, batch Batch) (Outcome, error)

func (f BatchProcessorFunc) ProcessBatch(ctx context.Context, batch Batch) (Outcome, error) {
	return f(ctx, batch)
}

// FlushResult is reported to the flush listener after every flush.
type FlushResult struct {
	Batch   Batch
	Outcome Outcome
	Err     error
}

// Total returns the number of items in the flushed batch.
func (r FlushResult) Total() int {
	return len(r.Batch.Items)
}

// FlushListener receives flush results. It runs on the timer goroutine.
type FlushListener func(ctx context.Context, result FlushResult)
