// Package lift projects 2D per-pixel features into the coarse voxel grid.
//
// Three coordinate spaces are involved: the working resolution the 2D
// network runs at, the native resolution the voxel/pixel correspondence was
// computed at, and the coarse voxel grid. A ResampleMap links native pixels
// to working pixels once per process; a LiftMap links coarse voxels to native
// pixels once per sample.
package lift

import (
	"fmt"

	"github.com/zebrajack/SATNet/tensor"
)

// ResampleMap assigns every native pixel its nearest working pixel. It is
// immutable after construction and safe for concurrent use.
type ResampleMap struct {
	NativeWidth, NativeHeight   int
	WorkingWidth, WorkingHeight int
	Device                      tensor.Device

	index []int32
}

// NewResampleMap builds the native -> working pixel index. Each axis is
// mapped independently with floor(i*working/native + 0.5), clamped to the
// last working index. Equal sizes give the identity.
func NewResampleMap(workingWidth, workingHeight, nativeWidth, nativeHeight int, device tensor.Device) (*ResampleMap, error) {
	if workingWidth <= 0 || workingHeight <= 0 || nativeWidth <= 0 || nativeHeight <= 0 {
		return nil, fmt.Errorf("resample map sizes must be positive: working %dx%d native %dx%d",
			workingWidth, workingHeight, nativeWidth, nativeHeight)
	}

	m := &ResampleMap{
		NativeWidth:   nativeWidth,
		NativeHeight:  nativeHeight,
		WorkingWidth:  workingWidth,
		WorkingHeight: workingHeight,
		Device:        device,
		index:         make([]int32, nativeWidth*nativeHeight),
	}

	if workingWidth == nativeWidth && workingHeight == nativeHeight {
		for i := range m.index {
			m.index[i] = int32(i)
		}
		return m, nil
	}

	xs := axisMap(nativeWidth, workingWidth)
	ys := axisMap(nativeHeight, workingHeight)
	for y, wy := range ys {
		row := m.index[y*nativeWidth : (y+1)*nativeWidth]
		for x, wx := range xs {
			row[x] = int32(wy*workingWidth + wx)
		}
	}
	return m, nil
}

// axisMap rounds i*working/native to the nearest integer in exact integer
// arithmetic and clamps to [0, working-1].
func axisMap(native, working int) []int {
	out := make([]int, native)
	for i := range out {
		v := (2*i*working + native) / (2 * native)
		if v > working-1 {
			v = working - 1
		}
		out[i] = v
	}
	return out
}

// At returns the working pixel for native pixel p.
func (m *ResampleMap) At(p int) int { return int(m.index[p]) }

// Len is the native pixel count.
func (m *ResampleMap) Len() int { return len(m.index) }

// WorkingPixels is the size of the working pixel space.
func (m *ResampleMap) WorkingPixels() int { return m.WorkingWidth * m.WorkingHeight }
