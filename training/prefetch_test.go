package training

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebrajack/SATNet/tensor"
)

// failingDataset fails on one index and counts loads.
type failingDataset struct {
	Dataset
	failAt int
	loads  atomic.Int64
}

func (d *failingDataset) Get(idx int) (*Sample, error) {
	d.loads.Add(1)
	if idx == d.failAt {
		return nil, fmt.Errorf("sample %d is corrupt", idx)
	}
	return d.Dataset.Get(idx)
}

func TestPrefetchLoaderKeepsOrder(t *testing.T) {
	ds := newTestDataset(t, 7)

	for _, workers := range []int{1, 2, 4} {
		want, _ := epochOrder(t, NewDataLoader(ds, 2, true, 9, tensor.Host))

		pl, err := NewPrefetchLoader(NewDataLoader(ds, 2, true, 9, tensor.Host), workers, 2)
		require.NoError(t, err)
		var got []int
		err = pl.Iterate(context.Background(), func(b *Batch) error {
			got = append(got, b.Indices...)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, want, got, "workers %d", workers)

		stats := pl.Stats()
		assert.Equal(t, uint64(4), stats.BatchesProduced)
		assert.Equal(t, workers, stats.Workers)
		assert.GreaterOrEqual(t, stats.PrefetchDepth, workers)
	}
}

func TestPrefetchLoaderStopsOnError(t *testing.T) {
	ds := &failingDataset{Dataset: newTestDataset(t, 6), failAt: 3}
	pl, err := NewPrefetchLoader(NewDataLoader(ds, 1, false, 0, tensor.Host), 3, 0)
	require.NoError(t, err)

	var seen []int
	err = pl.Iterate(context.Background(), func(b *Batch) error {
		seen = append(seen, b.Indices[0])
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample 3 is corrupt")
	assert.Equal(t, []int{0, 1, 2}, seen)

	stop := errors.New("stop")
	ok := &failingDataset{Dataset: newTestDataset(t, 6), failAt: -1}
	pl, err = NewPrefetchLoader(NewDataLoader(ok, 1, false, 0, tensor.Host), 2, 2)
	require.NoError(t, err)
	calls := 0
	err = pl.Iterate(context.Background(), func(*Batch) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
	// at most the prefetch window was loaded past the failing batch
	assert.LessOrEqual(t, ok.loads.Load(), int64(4))
}

func TestPrefetchLoaderCancellation(t *testing.T) {
	ds := newTestDataset(t, 4)
	pl, err := NewPrefetchLoader(NewDataLoader(ds, 1, false, 0, tensor.Host), 2, 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pl.Iterate(ctx, func(*Batch) error {
		t.Error("no batch expected after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewPrefetchLoader(nil, 1, 1)
	assert.Error(t, err)
}
