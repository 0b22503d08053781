package lift

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebrajack/SATNet/tensor"
)

func TestResampleMapIdentity(t *testing.T) {
	m, err := NewResampleMap(7, 5, 7, 5, tensor.Host)
	require.NoError(t, err)
	require.Equal(t, 35, m.Len())
	for i := 0; i < m.Len(); i++ {
		assert.Equal(t, i, m.At(i))
	}
}

func TestResampleMapRange(t *testing.T) {
	sizes := []struct{ ww, wh, nw, nh int }{
		{384, 288, 640, 480},
		{320, 240, 640, 480},
		{1, 1, 9, 4},
		{5, 3, 7, 3},
		{6, 4, 13, 11},
		{32, 32, 33, 97},
	}
	for _, s := range sizes {
		m, err := NewResampleMap(s.ww, s.wh, s.nw, s.nh, tensor.Host)
		require.NoError(t, err)
		for p := 0; p < m.Len(); p++ {
			w := m.At(p)
			if w < 0 || w >= s.ww*s.wh {
				t.Fatalf("working %dx%d native %dx%d: pixel %d maps to %d", s.ww, s.wh, s.nw, s.nh, p, w)
			}
		}
	}
}

func TestResampleMapNearest(t *testing.T) {
	m, err := NewResampleMap(384, 288, 640, 480, tensor.Host)
	require.NoError(t, err)

	tests := []struct {
		x, y   int
		wx, wy int
	}{
		{0, 0, 0, 0},
		{1, 0, 1, 0}, // 0.6+0.5
		{2, 0, 1, 0}, // 1.2+0.5
		{3, 0, 2, 0}, // 1.8+0.5
		{639, 479, 383, 287},
		{320, 240, 192, 144},
	}
	for _, tt := range tests {
		got := m.At(tt.y*640 + tt.x)
		assert.Equal(t, tt.wy*384+tt.wx, got, "native (%d,%d)", tt.x, tt.y)
	}
}

func TestResampleMapClampsLastIndex(t *testing.T) {
	// floor(8/9+0.5) = 1 would index past the single working column
	m, err := NewResampleMap(1, 1, 9, 1, tensor.Host)
	require.NoError(t, err)
	for p := 0; p < m.Len(); p++ {
		assert.Equal(t, 0, m.At(p))
	}

	up, err := NewResampleMap(4, 1, 2, 1, tensor.Host)
	require.NoError(t, err)
	assert.Equal(t, 0, up.At(0))
	assert.Equal(t, 2, up.At(1))
}

func TestNewLiftMapClampsInvalidEntries(t *testing.T) {
	grid := [3]int{1, 2, 3}
	m, clamped, err := NewLiftMap(grid, 10, []int32{0, 9, 10, -1, 11, 5}, tensor.Host)
	require.NoError(t, err)
	assert.Equal(t, 2, clamped)
	assert.Equal(t, 10, m.Sentinel())
	assert.Equal(t, []int32{0, 9, 10, 10, 10, 5}, m.Entries())

	for v := 0; v < m.Len(); v++ {
		p, ok := m.Pixel(v)
		if ok {
			assert.True(t, p >= 0 && p < m.NumPixels)
		} else {
			assert.Equal(t, 0, p)
		}
	}
	assert.Equal(t, 3, m.Observed())

	_, _, err = NewLiftMap(grid, 10, []int32{0}, tensor.Host)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestBuildLiftMapMaxPools(t *testing.T) {
	native := [3]int{4, 2, 4}
	// native voxel (d0, d1, d2) flattens to (d0*2+d1)*4+d2
	voxel := func(d0, d1, d2 int) int32 { return int32((d0*2+d1)*4 + d2) }

	correspondence := []int32{
		voxel(0, 0, 0), // pixel 0 -> coarse (0,0,0)
		voxel(1, 1, 1), // pixel 1 -> coarse (0,0,0)
		-1,             // pixel 2 unmapped
		voxel(3, 0, 2), // pixel 3 -> coarse (1,0,1)
		voxel(0, 1, 0), // pixel 4 -> coarse (0,0,0), largest so far
		99,             // pixel 5 past the grid
		-7,             // pixel 6 invalid
	}

	m, skipped, err := BuildLiftMap(correspondence, native, 2, tensor.Host)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	assert.Equal(t, [3]int{2, 1, 2}, m.Grid)
	assert.Equal(t, 7, m.NumPixels)

	// coarse flattening is (c0*1+c1)*2+c2
	assert.Equal(t, []int32{4, 7, 7, 3}, m.Entries())

	p, ok := m.Pixel(0)
	assert.True(t, ok)
	assert.Equal(t, 4, p)
	_, ok = m.Pixel(1)
	assert.False(t, ok)
}

func TestBuildLiftMapRejectsIndivisibleGrid(t *testing.T) {
	_, _, err := BuildLiftMap([]int32{-1}, [3]int{6, 4, 4}, 4, tensor.Host)
	assert.Error(t, err)
}

func newTestLifter(t *testing.T, w, h int, grid [3]int) *Lifter {
	t.Helper()
	rs, err := NewResampleMap(w, h, w, h, tensor.Host)
	require.NoError(t, err)
	l, err := NewLifter(rs, grid)
	require.NoError(t, err)
	return l
}

func TestLiftSentinelGetsZeros(t *testing.T) {
	grid := [3]int{2, 2, 2}
	l := newTestLifter(t, 4, 4, grid)

	// arbitrary non-zero features
	feat, _ := tensor.Full([]int{1, 3, 4, 4}, float32(7), tensor.Float32, tensor.Host)
	entries := []int32{16, 0, 16, 5, 16, 16, 15, 16}
	m, clamped, err := NewLiftMap(grid, 16, entries, tensor.Host)
	require.NoError(t, err)
	require.Zero(t, clamped)

	out, err := l.Lift(feat, []*LiftMap{m})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 2, 2}, out.Shape)

	data := out.Data.([]float32)
	for c := 0; c < 3; c++ {
		for v, e := range entries {
			got := data[c*8+v]
			if e == 16 {
				assert.Equal(t, float32(0), got, "channel %d voxel %d", c, v)
			} else {
				assert.Equal(t, float32(7), got, "channel %d voxel %d", c, v)
			}
		}
	}
}

func TestLiftConstantRoundTrip(t *testing.T) {
	grid := [3]int{3, 2, 2}
	rs, err := NewResampleMap(4, 2, 8, 4, tensor.Host)
	require.NoError(t, err)
	l, err := NewLifter(rs, grid)
	require.NoError(t, err)

	const v = float32(-2.5)
	feat, _ := tensor.Full([]int{2, 2, 2, 4}, v, tensor.Float32, tensor.Host)

	var maps []*LiftMap
	for b := 0; b < 2; b++ {
		entries := make([]int32, VoxelCount(grid))
		for i := range entries {
			entries[i] = int32((i*5 + b) % rs.Len())
		}
		m, _, err := NewLiftMap(grid, rs.Len(), entries, tensor.Host)
		require.NoError(t, err)
		maps = append(maps, m)
	}

	out, err := l.Lift(feat, maps)
	require.NoError(t, err)
	for _, x := range out.Data.([]float32) {
		require.Equal(t, v, x)
	}
}

func TestLiftGathersThroughBothMaps(t *testing.T) {
	grid := [3]int{1, 1, 3}
	rs, err := NewResampleMap(2, 1, 4, 1, tensor.Host)
	require.NoError(t, err)
	// native x 0,1,2,3 -> working 0,1,1,1
	l, err := NewLifter(rs, grid)
	require.NoError(t, err)

	feat, _ := tensor.FromFloat32([]int{1, 1, 1, 2}, []float32{10, 20}, tensor.Host)
	m, _, err := NewLiftMap(grid, 4, []int32{3, 4, 0}, tensor.Host)
	require.NoError(t, err)

	out, err := l.Lift(feat, []*LiftMap{m})
	require.NoError(t, err)
	assert.Equal(t, []float32{20, 0, 10}, out.Data.([]float32))
}

func TestLiftAllSentinelTwoChannels(t *testing.T) {
	grid := [3]int{2, 2, 2}
	l := newTestLifter(t, 4, 4, grid)

	feat, _ := tensor.Zeros([]int{1, 2, 4, 4}, tensor.Float32, tensor.Host)
	entries := make([]int32, 8)
	for i := range entries {
		entries[i] = 16
	}
	m, _, err := NewLiftMap(grid, 16, entries, tensor.Host)
	require.NoError(t, err)
	assert.Zero(t, m.Observed())

	out, err := l.Lift(feat, []*LiftMap{m})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 2, 2}, out.Shape)
	for _, x := range out.Data.([]float32) {
		assert.Equal(t, float32(0), x)
	}
}

func TestLiftRejectsMismatches(t *testing.T) {
	grid := [3]int{2, 2, 2}
	l := newTestLifter(t, 4, 4, grid)
	entries := make([]int32, 8)
	m, _, err := NewLiftMap(grid, 16, entries, tensor.Host)
	require.NoError(t, err)

	gpu := tensor.Device{Type: tensor.GPU}
	onGPU, _ := tensor.Zeros([]int{1, 2, 4, 4}, tensor.Float32, gpu)
	_, err = l.Lift(onGPU, []*LiftMap{m})
	assert.True(t, errors.Is(err, tensor.ErrDeviceMismatch))

	gpuMap, _, err := NewLiftMap(grid, 16, entries, gpu)
	require.NoError(t, err)
	feat, _ := tensor.Zeros([]int{1, 2, 4, 4}, tensor.Float32, tensor.Host)
	_, err = l.Lift(feat, []*LiftMap{gpuMap})
	assert.True(t, errors.Is(err, tensor.ErrDeviceMismatch))

	_, err = l.Lift(feat, []*LiftMap{m, m})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	wrongSize, _ := tensor.Zeros([]int{1, 2, 4, 8}, tensor.Float32, tensor.Host)
	_, err = l.Lift(wrongSize, []*LiftMap{m})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	other, _, err := NewLiftMap([3]int{1, 2, 4}, 16, entries, tensor.Host)
	require.NoError(t, err)
	_, err = l.Lift(feat, []*LiftMap{other})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}
