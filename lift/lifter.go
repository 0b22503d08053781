package lift

import (
	"fmt"

	"github.com/zebrajack/SATNet/tensor"
)

// Lifter gathers working-resolution features into the coarse voxel grid. It
// has no parameters.
type Lifter struct {
	Resample *ResampleMap
	Grid     [3]int
}

func NewLifter(resample *ResampleMap, grid [3]int) (*Lifter, error) {
	if resample == nil {
		return nil, fmt.Errorf("lifter requires a resample map")
	}
	if err := checkGrid(grid); err != nil {
		return nil, err
	}
	return &Lifter{Resample: resample, Grid: grid}, nil
}

// Lift maps features [B, C, workingH, workingW] to [B, C, D0, D1, D2] using
// one lift map per batch element. Voxel v of sample b takes the feature
// vector at working pixel Resample.At(maps[b].Pixel(v)); voxels without a
// pixel get the zero vector.
func (l *Lifter) Lift(features *tensor.Tensor, maps []*LiftMap) (*tensor.Tensor, error) {
	rs := l.Resample
	if err := tensor.CheckDevice(features, rs.Device); err != nil {
		return nil, fmt.Errorf("features vs resample map: %w", err)
	}
	if features.DType != tensor.Float32 {
		return nil, fmt.Errorf("lift requires Float32 features, got %s: %w", features.DType, tensor.ErrDTypeMismatch)
	}
	if len(features.Shape) != 4 || features.Shape[2] != rs.WorkingHeight || features.Shape[3] != rs.WorkingWidth {
		return nil, fmt.Errorf("features %v do not match working size %dx%d: %w",
			features.Shape, rs.WorkingWidth, rs.WorkingHeight, tensor.ErrShapeMismatch)
	}
	batch, channels := features.Shape[0], features.Shape[1]
	if len(maps) != batch {
		return nil, fmt.Errorf("got %d lift maps for batch of %d: %w", len(maps), batch, tensor.ErrShapeMismatch)
	}

	voxels := VoxelCount(l.Grid)
	pixels := rs.WorkingPixels()
	out, err := tensor.Zeros([]int{batch, channels, l.Grid[0], l.Grid[1], l.Grid[2]}, tensor.Float32, features.Device)
	if err != nil {
		return nil, err
	}
	src := features.Data.([]float32)
	dst := out.Data.([]float32)

	working := make([]int32, voxels)
	for b, m := range maps {
		if m.Device != rs.Device {
			return nil, fmt.Errorf("lift map %d on %s, resample map on %s: %w", b, m.Device, rs.Device, tensor.ErrDeviceMismatch)
		}
		if m.Grid != l.Grid {
			return nil, fmt.Errorf("lift map %d grid %v, expected %v: %w", b, m.Grid, l.Grid, tensor.ErrShapeMismatch)
		}
		if m.NumPixels != rs.Len() {
			return nil, fmt.Errorf("lift map %d indexes %d native pixels, resample map has %d: %w",
				b, m.NumPixels, rs.Len(), tensor.ErrShapeMismatch)
		}

		for v := range working {
			if p, ok := m.Pixel(v); ok {
				working[v] = int32(rs.At(p))
			} else {
				working[v] = -1
			}
		}

		for c := 0; c < channels; c++ {
			plane := src[(b*channels+c)*pixels : (b*channels+c+1)*pixels]
			vol := dst[(b*channels+c)*voxels : (b*channels+c+1)*voxels]
			for v, w := range working {
				if w >= 0 {
					vol[v] = plane[w]
				}
			}
		}
	}
	return out, nil
}
