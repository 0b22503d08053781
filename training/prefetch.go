package training

import (
	"context"
	"fmt"
	"sync"
)

// PrefetchLoader loads and collates batches on background workers while the
// caller consumes earlier ones. Batches are delivered in the order of the
// underlying DataLoader, so results do not depend on the worker count.
type PrefetchLoader struct {
	loader        *DataLoader
	workers       int
	prefetchDepth int // batches loaded ahead of the consumer

	mutex           sync.Mutex
	batchesProduced uint64
}

// NewPrefetchLoader wraps dl. workers and prefetchDepth default to 2 and 3.
func NewPrefetchLoader(dl *DataLoader, workers, prefetchDepth int) (*PrefetchLoader, error) {
	if dl == nil {
		return nil, fmt.Errorf("data loader cannot be nil")
	}
	if workers <= 0 {
		workers = 2
	}
	if prefetchDepth <= 0 {
		prefetchDepth = 3
	}
	return &PrefetchLoader{
		loader:        dl,
		workers:       workers,
		prefetchDepth: max(prefetchDepth, workers),
	}, nil
}

type loadResult struct {
	batch *Batch
	err   error
}

// Iterate runs one epoch, calling fn for each batch in order. It stops at
// the first error from loading or fn, or when ctx is done, and returns only
// after every worker has exited.
func (pl *PrefetchLoader) Iterate(ctx context.Context, fn func(*Batch) error) error {
	batches := pl.loader.epoch()
	if len(batches) == 0 {
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type job struct {
		seq     int
		indices []int
	}
	jobs := make(chan job)
	results := make([]chan loadResult, len(batches))
	for i := range results {
		results[i] = make(chan loadResult, 1)
	}
	tokens := make(chan struct{}, pl.prefetchDepth)

	var wg sync.WaitGroup

	// feeder: admits a batch once a prefetch slot is free
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		for seq, indices := range batches {
			select {
			case tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- job{seq: seq, indices: indices}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < pl.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				b, err := pl.loader.load(j.indices)
				if err == nil {
					pl.mutex.Lock()
					pl.batchesProduced++
					pl.mutex.Unlock()
				}
				results[j.seq] <- loadResult{batch: b, err: err}
			}
		}()
	}

	err := pl.consume(ctx, results, tokens, fn)
	cancel()
	wg.Wait()
	return err
}

func (pl *PrefetchLoader) consume(ctx context.Context, results []chan loadResult, tokens chan struct{}, fn func(*Batch) error) error {
	for seq := range results {
		var r loadResult
		select {
		case r = <-results[seq]:
		case <-ctx.Done():
			return ctx.Err()
		}
		<-tokens
		if r.err != nil {
			return fmt.Errorf("batch %d: %w", seq, r.err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.batch); err != nil {
			return err
		}
	}
	return nil
}

// PrefetchStats provides statistics about the loader
type PrefetchStats struct {
	BatchesProduced uint64
	Workers         int
	PrefetchDepth   int
}

func (pl *PrefetchLoader) Stats() PrefetchStats {
	pl.mutex.Lock()
	defer pl.mutex.Unlock()
	return PrefetchStats{
		BatchesProduced: pl.batchesProduced,
		Workers:         pl.workers,
		PrefetchDepth:   pl.prefetchDepth,
	}
}
