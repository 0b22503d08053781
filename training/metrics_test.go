package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebrajack/SATNet/tensor"
)

func TestConfusionMatrixSSC(t *testing.T) {
	cm := NewConfusionMatrix(3)
	label := []int32{0, 1, 1, 2, 2, 0}
	pred := []int32{0, 1, 2, 2, 0, 1}
	weight := []float32{1, 1, 1, 1, 1, 1}
	require.NoError(t, cm.Update(pred, label, weight))

	// voxels without weight or with an unknown label are not evaluated
	require.NoError(t, cm.Update([]int32{2, 1}, []int32{1, 255}, []float32{0, 1}))

	m := cm.SSC()
	assert.Equal(t, int64(6), m.Voxels)
	for c, iou := range m.ClassIoU {
		assert.InDelta(t, 1.0/3, iou, 1e-12, "class %d", c)
	}
	assert.InDelta(t, 1.0/3, m.MeanIoU, 1e-12)
	assert.InDelta(t, 0.75, m.Precision, 1e-12)
	assert.InDelta(t, 0.75, m.Recall, 1e-12)
	assert.InDelta(t, 0.6, m.CompletionIoU, 1e-12)
	assert.InDelta(t, 0.5, m.Accuracy, 1e-12)
	assert.Contains(t, m.String(), "mIoU 0.3333")

	cm.Reset()
	assert.Equal(t, int64(0), cm.Total)
	assert.Equal(t, 0.0, cm.Accuracy())
}

func TestSSCAbsentClass(t *testing.T) {
	cm := NewConfusionMatrix(4)
	require.NoError(t, cm.Update([]int32{1, 1, 0}, []int32{1, 1, 0}, []float32{1, 1, 1}))

	m := cm.SSC()
	assert.True(t, math.IsNaN(m.ClassIoU[2]))
	assert.True(t, math.IsNaN(m.ClassIoU[3]))
	// only class 1 counts toward the mean
	assert.Equal(t, 1.0, m.MeanIoU)
	assert.Equal(t, 1.0, m.CompletionIoU)
}

func TestConfusionMatrixRejectsBadInput(t *testing.T) {
	cm := NewConfusionMatrix(2)
	err := cm.Update([]int32{0}, []int32{0, 1}, []float32{1, 1})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	err = cm.Update([]int32{5}, []int32{1}, []float32{1})
	assert.Error(t, err)
}

func TestArgmaxClasses(t *testing.T) {
	// [2 samples, 3 classes, 2 voxels]
	logits, err := tensor.FromFloat32([]int{2, 3, 1, 1, 2}, []float32{
		0, 5, // class 0
		1, 5, // class 1
		2, 1, // class 2
		3, 3,
		3, 0,
		-1, 0,
	}, tensor.Host)
	require.NoError(t, err)

	classes, err := ArgmaxClasses(logits)
	require.NoError(t, err)
	// ties go to the lower class
	assert.Equal(t, []int32{2, 0, 0, 0}, classes)

	flat, err := tensor.FromFloat32([]int{4}, make([]float32, 4), tensor.Host)
	require.NoError(t, err)
	_, err = ArgmaxClasses(flat)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestLossMeter(t *testing.T) {
	var lm LossMeter
	mean, std := lm.Mean()
	assert.Zero(t, mean)
	assert.Zero(t, std)

	lm.Add(1, 1)
	mean, std = lm.Mean()
	assert.Equal(t, 1.0, mean)
	assert.Zero(t, std)

	lm.Add(3, 3)
	mean, std = lm.Mean()
	assert.InDelta(t, 2.5, mean, 1e-12)
	assert.InDelta(t, 1.0, std, 1e-12)
	assert.Equal(t, 2, lm.Count())

	lm.Reset()
	assert.Equal(t, 0, lm.Count())
}
