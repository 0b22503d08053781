package training

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebrajack/SATNet/tensor"
)

func TestClassWeights(t *testing.T) {
	w := DefaultClassWeights(12)
	require.Len(t, w, 12)
	var sum float32
	for _, x := range w {
		sum += x
	}
	assert.InDelta(t, 1, sum, 1e-6)
	assert.InDelta(t, 0.5/11.5, w[0], 1e-7)
	assert.InDelta(t, 1/11.5, w[1], 1e-7)

	assert.Equal(t, ClassWeights{1}, DefaultClassWeights(1))

	_, err := NewClassWeights([]float32{1, -1})
	assert.Error(t, err)
	_, err = NewClassWeights([]float32{0, 0})
	assert.Error(t, err)
	_, err = NewClassWeights(nil)
	assert.Error(t, err)
}

// logits for two voxels of one sample, [1, 2 classes, 1, 1, 2]:
// voxel 0 scores (0, 0), voxel 1 scores (0, ln 3).
func twoVoxelLogits(t *testing.T) *tensor.Tensor {
	t.Helper()
	ln3 := float32(math.Log(3))
	logits, err := tensor.FromFloat32([]int{1, 2, 1, 1, 2}, []float32{0, 0, 0, ln3}, tensor.Host)
	require.NoError(t, err)
	return logits
}

func TestVoxelCrossEntropyForward(t *testing.T) {
	logits := twoVoxelLogits(t)

	tests := []struct {
		name    string
		weights []float32
		label   []int32
		lw      []float32
		want    float64
	}{
		{"unweighted", []float32{1, 1}, []int32{0, 1}, []float32{1, 1}, (math.Ln2 - math.Log(0.75)) / 2},
		// class weights normalize to (1/3, 2/3)
		{"class weighted", []float32{0.5, 1}, []int32{0, 1}, []float32{1, 1}, (math.Ln2/3 - 2*math.Log(0.75)/3)},
		{"label weight selects", []float32{1, 1}, []int32{0, 1}, []float32{0, 0.2}, -math.Log(0.75)},
		{"invalid label skipped", []float32{1, 1}, []int32{255, 0}, []float32{1, 1}, math.Log(4)},
		{"nothing selected", []float32{1, 1}, []int32{0, 1}, []float32{0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewClassWeights(tt.weights)
			require.NoError(t, err)
			loss, err := NewVoxelCrossEntropy(w).Forward(logits, tt.label, tt.lw)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, loss, 1e-6)
		})
	}
}

func TestVoxelCrossEntropyBackward(t *testing.T) {
	logits := twoVoxelLogits(t)
	w, err := NewClassWeights([]float32{0.5, 1})
	require.NoError(t, err)
	ce := NewVoxelCrossEntropy(w)
	label := []int32{0, 1}
	lw := []float32{1, 1}

	grad, err := ce.Backward(logits, label, lw)
	require.NoError(t, err)
	assert.Equal(t, logits.Shape, grad.Shape)

	// dL/dz = w_y (p - onehot) / sum w, with sum w = 1
	want := []float32{
		(1.0 / 3) * (0.5 - 1), // voxel 0, class 0
		(2.0 / 3) * 0.25,      // voxel 1, class 0
		(1.0 / 3) * 0.5,       // voxel 0, class 1
		(2.0 / 3) * (0.75 - 1),
	}
	g := grad.Data.([]float32)
	for i := range want {
		assert.InDelta(t, want[i], g[i], 1e-6, "element %d", i)
	}

	// central differences agree with the analytic gradient
	z := logits.Data.([]float32)
	const h = 1e-2
	for i := range z {
		orig := z[i]
		z[i] = orig + h
		up, _ := ce.Forward(logits, label, lw)
		z[i] = orig - h
		down, _ := ce.Forward(logits, label, lw)
		z[i] = orig
		assert.InDelta(t, (up-down)/(2*h), g[i], 1e-3, "element %d", i)
	}
}

func TestVoxelCrossEntropyRejectsMismatch(t *testing.T) {
	logits := twoVoxelLogits(t)
	ce := NewVoxelCrossEntropy(DefaultClassWeights(3))
	_, err := ce.Forward(logits, []int32{0, 1}, []float32{1, 1})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	ce = NewVoxelCrossEntropy(DefaultClassWeights(2))
	_, err = ce.Backward(logits, []int32{0}, []float32{1})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}
