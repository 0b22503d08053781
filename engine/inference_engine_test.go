package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebrajack/SATNet/checkpoints"
	"github.com/zebrajack/SATNet/config"
	"github.com/zebrajack/SATNet/lift"
	"github.com/zebrajack/SATNet/model"
	"github.com/zebrajack/SATNet/tensor"
	"github.com/zebrajack/SATNet/training"
)

func testConfig(seed uint64) *config.Config {
	cfg := config.DefaultConfig()
	cfg.WorkingWidth, cfg.WorkingHeight = 32, 32
	cfg.NativeWidth, cfg.NativeHeight = 32, 32
	cfg.NativeGrid = [3]int{4, 4, 8}
	cfg.Downsample = 2
	cfg.NumClasses = 3
	cfg.BackboneWidth = 8
	cfg.BackboneBlocks = [4]int{1, 1, 1, 1}
	cfg.StreamChannels = 4
	cfg.FusionChannels = 4
	cfg.Seed = seed
	return cfg
}

func newEngine(t *testing.T, seed uint64) *InferenceEngine {
	t.Helper()
	m, err := model.New(testConfig(seed), logs.NewTestingLog(t))
	require.NoError(t, err)
	ie, err := NewInferenceEngine(m, logs.NewTestingLog(t))
	require.NoError(t, err)
	return ie
}

// testSample builds a sample whose images vary with k and whose lift map
// reaches a different pixel for every voxel.
func testSample(t *testing.T, cfg *config.Config, k int) *training.Sample {
	t.Helper()
	n := 3 * cfg.WorkingHeight * cfg.WorkingWidth
	color := make([]float32, n)
	depth := make([]float32, n)
	for i := range color {
		color[i] = float32((i*7+k*31)%17)/8 - 1
		depth[i] = float32((i*5+k*11)%13)/6 - 1
	}
	shape := []int{3, cfg.WorkingHeight, cfg.WorkingWidth}
	ct, err := tensor.FromFloat32(shape, color, tensor.Host)
	require.NoError(t, err)
	dt, err := tensor.FromFloat32(shape, depth, tensor.Host)
	require.NoError(t, err)

	voxels := lift.VoxelCount(cfg.CoarseGrid())
	entries := make([]int32, voxels)
	for i := range entries {
		entries[i] = int32((i*37 + k) % cfg.NativePixels())
	}
	entries[0] = int32(cfg.NativePixels())
	lm, _, err := lift.NewLiftMap(cfg.CoarseGrid(), cfg.NativePixels(), entries, tensor.Host)
	require.NoError(t, err)

	label := make([]int32, voxels)
	weight := make([]float32, voxels)
	for i := range label {
		label[i] = int32((i + k) % cfg.NumClasses)
		weight[i] = 1
	}
	return &training.Sample{Color: ct, Depth: dt, Label: label, LabelWeight: weight, Lift: lm}
}

func predictOne(t *testing.T, ie *InferenceEngine, s *training.Sample) *Prediction {
	t.Helper()
	b, err := training.Collate([]*training.Sample{s}, tensor.Host)
	require.NoError(t, err)
	pred, err := ie.PredictBatch(b)
	require.NoError(t, err)
	return pred
}

func TestPredict(t *testing.T) {
	ie := newEngine(t, 1)
	cfg := ie.Model().Config
	s := testSample(t, cfg, 0)
	pred := predictOne(t, ie, s)

	grid := cfg.CoarseGrid()
	assert.Equal(t, grid, pred.Grid)
	assert.Equal(t, []int{1, cfg.NumClasses, grid[0], grid[1], grid[2]}, pred.Logits.Shape)
	require.Len(t, pred.Classes, lift.VoxelCount(grid))

	z := pred.Logits.Data.([]float32)
	voxels := lift.VoxelCount(grid)
	v := (1*grid[1]+1)*grid[2] + 3
	best := int32(0)
	for c := 1; c < cfg.NumClasses; c++ {
		if z[c*voxels+v] > z[int(best)*voxels+v] {
			best = int32(c)
		}
	}
	assert.Equal(t, best, pred.Class(0, 1, 1, 3))

	total := 0
	for _, n := range pred.Histogram(cfg.NumClasses) {
		total += n
	}
	assert.Equal(t, voxels, total)
}

func TestPredictRejectsOtherDevice(t *testing.T) {
	ie := newEngine(t, 1)
	s := testSample(t, ie.Model().Config, 0)
	b, err := training.Collate([]*training.Sample{s}, tensor.Host)
	require.NoError(t, err)

	elsewhere, err := b.Color.ToDevice(tensor.Device{Type: tensor.GPU})
	require.NoError(t, err)
	_, err = ie.Predict(elsewhere, b.Depth, b.Lift)
	assert.ErrorIs(t, err, tensor.ErrDeviceMismatch)
}

func TestEvaluate(t *testing.T) {
	ie := newEngine(t, 2)
	cfg := ie.Model().Config
	samples := []*training.Sample{testSample(t, cfg, 0), testSample(t, cfg, 1), testSample(t, cfg, 2)}

	// labels equal to the model's own predictions score perfectly
	perfect := make([]*training.Sample, len(samples))
	for i, s := range samples {
		p := *s
		p.Label = predictOne(t, ie, s).Classes
		perfect[i] = &p
	}
	res, err := ie.Evaluate(context.Background(), training.NewMemoryDataset(perfect), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Samples)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 1.0, res.Metrics.Accuracy)
	assert.Equal(t, int64(3*lift.VoxelCount(cfg.CoarseGrid())), res.Metrics.Voxels)
	assert.Zero(t, res.Loss)

	// batching does not change the predictions
	ce := training.NewVoxelCrossEntropy(training.DefaultClassWeights(cfg.NumClasses))
	ds := training.NewMemoryDataset(samples)
	whole, err := ie.Evaluate(context.Background(), ds, 3, ce)
	require.NoError(t, err)
	single, err := ie.Evaluate(context.Background(), ds, 1, ce)
	require.NoError(t, err)
	assert.InDelta(t, whole.Metrics.Accuracy, single.Metrics.Accuracy, 1e-12)
	assert.InDelta(t, whole.Metrics.CompletionIoU, single.Metrics.CompletionIoU, 1e-12)
	assert.Greater(t, whole.Loss, 0.0)
	assert.Zero(t, whole.LossStd)
	assert.Equal(t, 3, single.Batches)

	ie.SetWorkers(3)
	var progress bytes.Buffer
	ie.SetProgress(&progress)
	prefetched, err := ie.Evaluate(context.Background(), ds, 1, ce)
	require.NoError(t, err)
	if diff := cmp.Diff(single.Metrics, prefetched.Metrics, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("prefetched metrics differ (-inline +prefetched):\n%s", diff)
	}
	assert.Equal(t, single.Loss, prefetched.Loss)
	assert.Contains(t, progress.String(), "Evaluate: 100%")
	assert.Contains(t, progress.String(), "3/3")
}

func TestEvaluateHonorsCancellation(t *testing.T) {
	ie := newEngine(t, 3)
	cfg := ie.Model().Config
	ds := training.NewMemoryDataset([]*training.Sample{testSample(t, cfg, 0), testSample(t, cfg, 1)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ie.Evaluate(ctx, ds, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadWeights(t *testing.T) {
	src := newEngine(t, 4)
	dst := newEngine(t, 5)
	cfg := src.Model().Config
	s := testSample(t, cfg, 1)

	ck, err := checkpoints.FromModel(src.Model(), checkpoints.TrainingState{Epoch: 7})
	require.NoError(t, err)
	require.NoError(t, dst.LoadWeights(ck))

	want := predictOne(t, src, s)
	got := predictOne(t, dst, s)
	diff, err := tensor.MaxAbsDiff(want.Logits, got.Logits)
	require.NoError(t, err)
	assert.Zero(t, diff)
	assert.Equal(t, want.Classes, got.Classes)

	other := testConfig(4)
	other.NativeGrid = [3]int{8, 4, 8}
	m, err := model.New(other, logs.NewTestingLog(t))
	require.NoError(t, err)
	ie, err := NewInferenceEngine(m, logs.NewTestingLog(t))
	require.NoError(t, err)
	assert.ErrorIs(t, ie.LoadWeights(ck), config.ErrInvalidConfig)
}
