package training

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/zebrajack/SATNet/config"
	"github.com/zebrajack/SATNet/lift"
	"github.com/zebrajack/SATNet/tensor"
)

// Sample is one scene: the two images at working resolution, the label and
// label-weight grids over the coarse voxel grid, and the lift map. Samples
// are immutable once returned by a Dataset.
type Sample struct {
	Color       *tensor.Tensor // [3, H, W]
	Depth       *tensor.Tensor // [3, H, W], HHA encoded
	Label       []int32        // class per coarse voxel
	LabelWeight []float32      // zero where the label is unknown
	Lift        *lift.LiftMap
}

// Validate checks the sample against the model geometry in cfg.
func (s *Sample) Validate(cfg *config.Config) error {
	image := []int{3, cfg.WorkingHeight, cfg.WorkingWidth}
	if s.Color == nil || !tensor.SameShape(s.Color.Shape, image) {
		return fmt.Errorf("color image must be %v: %w", image, tensor.ErrShapeMismatch)
	}
	if s.Depth == nil || !tensor.SameShape(s.Depth.Shape, image) {
		return fmt.Errorf("depth image must be %v: %w", image, tensor.ErrShapeMismatch)
	}
	voxels := lift.VoxelCount(cfg.CoarseGrid())
	if len(s.Label) != voxels || len(s.LabelWeight) != voxels {
		return fmt.Errorf("label grids have %d and %d voxels, expected %d: %w",
			len(s.Label), len(s.LabelWeight), voxels, tensor.ErrShapeMismatch)
	}
	if s.Lift == nil {
		return fmt.Errorf("sample has no lift map")
	}
	if s.Lift.Grid != cfg.CoarseGrid() || s.Lift.NumPixels != cfg.NativePixels() {
		return fmt.Errorf("lift map is %v over %d pixels, expected %v over %d: %w",
			s.Lift.Grid, s.Lift.NumPixels, cfg.CoarseGrid(), cfg.NativePixels(), tensor.ErrShapeMismatch)
	}
	return nil
}

// Dataset interface defines methods that all datasets must implement.
// Paths and other storage details belong to the implementation's
// constructor.
type Dataset interface {
	Len() int
	Get(idx int) (*Sample, error)
}

// MemoryDataset serves samples held in memory.
type MemoryDataset struct {
	samples []*Sample
}

func NewMemoryDataset(samples []*Sample) *MemoryDataset {
	return &MemoryDataset{samples: samples}
}

func (ds *MemoryDataset) Len() int {
	return len(ds.samples)
}

func (ds *MemoryDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(ds.samples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.samples))
	}
	return ds.samples[idx], nil
}

// SubsetDataset exposes the first limit samples of another dataset.
type SubsetDataset struct {
	originalDataset Dataset
	limit           int
}

func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{
		originalDataset: original,
		limit:           limit,
	}, nil
}

func (sd *SubsetDataset) Len() int {
	return sd.limit
}

func (sd *SubsetDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, fmt.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(idx)
}

// Batch is a stack of samples ready for SATNet.Forward.
type Batch struct {
	Indices     []int
	Color       *tensor.Tensor // [B, 3, H, W]
	Depth       *tensor.Tensor // [B, 3, H, W]
	Label       []int32        // [B * voxels]
	LabelWeight []float32      // [B * voxels]
	Lift        []*lift.LiftMap
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Lift)
}

// Collate stacks samples into a batch on device. All samples must share
// image and grid sizes.
func Collate(samples []*Sample, device tensor.Device) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	first := samples[0]
	if first.Color == nil || first.Depth == nil {
		return nil, fmt.Errorf("sample 0 is missing an image")
	}
	imageShape := append([]int{len(samples)}, first.Color.Shape...)
	color, err := tensor.Zeros(imageShape, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch color tensor: %w", err)
	}
	depth, err := tensor.Zeros(imageShape, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch depth tensor: %w", err)
	}

	voxels := len(first.Label)
	b := &Batch{
		Color:       color,
		Depth:       depth,
		Label:       make([]int32, 0, voxels*len(samples)),
		LabelWeight: make([]float32, 0, voxels*len(samples)),
	}
	for i, s := range samples {
		if err := copyInto(color, s.Color, i); err != nil {
			return nil, fmt.Errorf("sample %d color: %w", i, err)
		}
		if err := copyInto(depth, s.Depth, i); err != nil {
			return nil, fmt.Errorf("sample %d depth: %w", i, err)
		}
		if len(s.Label) != voxels || len(s.LabelWeight) != voxels {
			return nil, fmt.Errorf("sample %d has %d labels and %d weights, expected %d: %w",
				i, len(s.Label), len(s.LabelWeight), voxels, tensor.ErrShapeMismatch)
		}
		b.Label = append(b.Label, s.Label...)
		b.LabelWeight = append(b.LabelWeight, s.LabelWeight...)
		b.Lift = append(b.Lift, s.Lift)
	}
	return b, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if !tensor.SameShape(batchTensor.Shape[1:], sampleTensor.Shape) {
		return fmt.Errorf("sample shape %v does not match batch %v: %w", sampleTensor.Shape, batchTensor.Shape[1:], tensor.ErrShapeMismatch)
	}
	src, err := sampleTensor.GetFloat32Data()
	if err != nil {
		return err
	}
	n := sampleTensor.NumElems
	copy(batchTensor.Data.([]float32)[batchIndex*n:(batchIndex+1)*n], src)
	return nil
}

// DataLoader provides batching and seeded shuffling over a Dataset.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	device    tensor.Device
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed uint64, device tensor.Device) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		device:    device,
		rng:       rand.New(rand.NewPCG(seed, seed^0x5a7)),
		indices:   indices,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset starts a new epoch, reshuffling when enabled.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	end := min(dl.position+dl.batchSize, len(dl.indices))
	indices := append([]int(nil), dl.indices[dl.position:end]...)
	dl.position = end
	return dl.load(indices)
}

// load reads and collates the samples at indices. It is safe to call from
// several goroutines when the dataset is.
func (dl *DataLoader) load(indices []int) (*Batch, error) {
	samples := make([]*Sample, len(indices))
	for i, idx := range indices {
		s, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		samples[i] = s
	}
	batch, err := Collate(samples, dl.device)
	if err != nil {
		return nil, fmt.Errorf("failed to collate batch: %w", err)
	}
	batch.Indices = indices
	return batch, nil
}

// epoch starts a new epoch and returns the sample indices of every batch in
// order.
func (dl *DataLoader) epoch() [][]int {
	dl.Reset()
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	var batches [][]int
	for start := 0; start < len(dl.indices); start += dl.batchSize {
		end := min(start+dl.batchSize, len(dl.indices))
		batches = append(batches, append([]int(nil), dl.indices[start:end]...))
	}
	dl.position = len(dl.indices)
	return batches
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Iterate resets the loader and calls fn for each batch of the epoch. It
// stops early when ctx is done or fn fails.
func (dl *DataLoader) Iterate(ctx context.Context, fn func(*Batch) error) error {
	dl.Reset()
	for dl.HasNext() {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := dl.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}
