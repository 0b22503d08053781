package lift

import (
	"fmt"

	"github.com/zebrajack/SATNet/tensor"
)

// LiftMap assigns every coarse voxel the native pixel whose features it
// receives, or nothing. Unassigned voxels are stored as the sentinel value
// NumPixels and read back through Pixel as (0, false).
type LiftMap struct {
	Grid      [3]int // coarse grid, flattened as (d0*D1+d1)*D2+d2
	NumPixels int    // native pixel count; also the sentinel value
	Device    tensor.Device

	entries []int32
}

// VoxelCount returns D0*D1*D2.
func VoxelCount(grid [3]int) int { return grid[0] * grid[1] * grid[2] }

// NewLiftMap wraps one entry per coarse voxel. Entries outside
// [0, numPixels] are redirected to the sentinel; the number of redirected
// entries is returned so callers can report upstream data problems.
func NewLiftMap(grid [3]int, numPixels int, entries []int32, device tensor.Device) (*LiftMap, int, error) {
	if err := checkGrid(grid); err != nil {
		return nil, 0, err
	}
	if numPixels <= 0 {
		return nil, 0, fmt.Errorf("lift map needs a positive pixel count, got %d", numPixels)
	}
	if n := VoxelCount(grid); len(entries) != n {
		return nil, 0, fmt.Errorf("lift map has %d entries, grid %v needs %d: %w", len(entries), grid, n, tensor.ErrShapeMismatch)
	}

	owned := make([]int32, len(entries))
	clamped := 0
	sentinel := int32(numPixels)
	for i, e := range entries {
		if e < 0 || e > sentinel {
			e = sentinel
			clamped++
		}
		owned[i] = e
	}
	return &LiftMap{Grid: grid, NumPixels: numPixels, Device: device, entries: owned}, clamped, nil
}

// BuildLiftMap derives the coarse lift map from the per-pixel correspondence
// voxelOfPixel (native voxel index for each native pixel, or -1).
//
// Each native voxel takes the largest pixel index that projects onto it, and
// each coarse voxel the largest over its downsample^3 block, which is the
// dense max-pool formulation. Voxels no pixel reaches get the sentinel.
// Correspondence entries below -1 or past the native grid are skipped and
// counted.
func BuildLiftMap(voxelOfPixel []int32, nativeGrid [3]int, downsample int, device tensor.Device) (*LiftMap, int, error) {
	if err := checkGrid(nativeGrid); err != nil {
		return nil, 0, err
	}
	if downsample <= 0 {
		return nil, 0, fmt.Errorf("downsample must be positive, got %d", downsample)
	}
	var coarse [3]int
	for i, d := range nativeGrid {
		if d%downsample != 0 {
			return nil, 0, fmt.Errorf("native grid %v is not divisible by %d", nativeGrid, downsample)
		}
		coarse[i] = d / downsample
	}
	numPixels := len(voxelOfPixel)
	if numPixels == 0 {
		return nil, 0, fmt.Errorf("empty pixel correspondence")
	}

	nativeVoxels := VoxelCount(nativeGrid)
	plane := nativeGrid[1] * nativeGrid[2]
	entries := make([]int32, VoxelCount(coarse))
	for i := range entries {
		entries[i] = -1
	}

	skipped := 0
	for p, v := range voxelOfPixel {
		if v == -1 {
			continue
		}
		if v < 0 || int(v) >= nativeVoxels {
			skipped++
			continue
		}
		d0 := int(v) / plane
		d1 := (int(v) / nativeGrid[2]) % nativeGrid[1]
		d2 := int(v) % nativeGrid[2]
		cv := ((d0/downsample)*coarse[1]+d1/downsample)*coarse[2] + d2/downsample
		if int32(p) > entries[cv] {
			entries[cv] = int32(p)
		}
	}

	sentinel := int32(numPixels)
	for i, e := range entries {
		if e < 0 {
			entries[i] = sentinel
		}
	}
	return &LiftMap{Grid: coarse, NumPixels: numPixels, Device: device, entries: entries}, skipped, nil
}

func checkGrid(grid [3]int) error {
	for i, d := range grid {
		if d <= 0 {
			return fmt.Errorf("grid dimension %d must be positive, got %v", i, grid)
		}
	}
	return nil
}

// Len is the number of coarse voxels.
func (m *LiftMap) Len() int { return len(m.entries) }

// Sentinel is the stored value of an unassigned voxel.
func (m *LiftMap) Sentinel() int { return m.NumPixels }

// Pixel returns the native pixel feeding voxel v, or false if none does.
func (m *LiftMap) Pixel(v int) (int, bool) {
	e := int(m.entries[v])
	if e == m.NumPixels {
		return 0, false
	}
	return e, true
}

// Entries returns a copy of the raw per-voxel values, sentinel included.
func (m *LiftMap) Entries() []int32 {
	out := make([]int32, len(m.entries))
	copy(out, m.entries)
	return out
}

// Observed counts voxels that receive a pixel.
func (m *LiftMap) Observed() int {
	n := 0
	for _, e := range m.entries {
		if int(e) != m.NumPixels {
			n++
		}
	}
	return n
}
