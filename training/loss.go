package training

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/zebrajack/SATNet/tensor"
)

// Loss scores per-voxel logits [B, C, D0, D1, D2] against flattened label
// and label-weight grids of B*D0*D1*D2 entries.
type Loss interface {
	Forward(logits *tensor.Tensor, label []int32, labelWeight []float32) (float32, error)
	Backward(logits *tensor.Tensor, label []int32, labelWeight []float32) (*tensor.Tensor, error)
}

// ClassWeights holds one weight per class, normalized to sum to one.
type ClassWeights []float32

// NewClassWeights normalizes raw. Weights must be non-negative with a
// positive sum.
func NewClassWeights(raw []float32) (ClassWeights, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("class weights must not be empty")
	}
	var sum float32
	for i, w := range raw {
		if w < 0 || math32.IsNaN(w) || math32.IsInf(w, 0) {
			return nil, fmt.Errorf("class %d has invalid weight %g", i, w)
		}
		sum += w
	}
	if sum <= 0 {
		return nil, fmt.Errorf("class weights sum to %g", sum)
	}
	out := make(ClassWeights, len(raw))
	for i, w := range raw {
		out[i] = w / sum
	}
	return out, nil
}

// DefaultClassWeights down-weights the empty class (index 0) to half of
// every other class.
func DefaultClassWeights(numClasses int) ClassWeights {
	raw := make([]float32, numClasses)
	for i := range raw {
		raw[i] = 1
	}
	if numClasses > 1 {
		raw[0] = 0.5
	}
	w, _ := NewClassWeights(raw)
	return w
}

// VoxelCrossEntropy is the class-weighted softmax cross-entropy averaged
// over the selected voxels:
//
//	L = sum_i w[y_i] * -log softmax(z_i)[y_i] / sum_i w[y_i]
//
// A voxel is selected when its label weight is positive and its label is a
// valid class. With nothing selected the loss is zero.
type VoxelCrossEntropy struct {
	Weights ClassWeights
}

func NewVoxelCrossEntropy(weights ClassWeights) *VoxelCrossEntropy {
	return &VoxelCrossEntropy{Weights: weights}
}

type voxelLayout struct {
	batch, classes, voxels int
}

func (ce *VoxelCrossEntropy) layout(logits *tensor.Tensor, label []int32, labelWeight []float32) (voxelLayout, error) {
	if logits.DType != tensor.Float32 {
		return voxelLayout{}, fmt.Errorf("logits must be Float32, got %s: %w", logits.DType, tensor.ErrDTypeMismatch)
	}
	if len(logits.Shape) < 3 {
		return voxelLayout{}, fmt.Errorf("logits must be [batch, classes, spatial...], got %v: %w", logits.Shape, tensor.ErrShapeMismatch)
	}
	l := voxelLayout{batch: logits.Shape[0], classes: logits.Shape[1], voxels: 1}
	for _, d := range logits.Shape[2:] {
		l.voxels *= d
	}
	if l.classes != len(ce.Weights) {
		return l, fmt.Errorf("logits have %d classes, loss has %d weights: %w", l.classes, len(ce.Weights), tensor.ErrShapeMismatch)
	}
	n := l.batch * l.voxels
	if len(label) != n || len(labelWeight) != n {
		return l, fmt.Errorf("got %d labels and %d label weights for %d voxels: %w", len(label), len(labelWeight), n, tensor.ErrShapeMismatch)
	}
	return l, nil
}

// visit calls fn for every selected voxel with the offset of its first
// logit, the channel stride, the target class and its class weight.
func (ce *VoxelCrossEntropy) visit(l voxelLayout, label []int32, labelWeight []float32, fn func(base, stride, target int, w float32)) {
	for b := 0; b < l.batch; b++ {
		for v := 0; v < l.voxels; v++ {
			i := b*l.voxels + v
			y := int(label[i])
			if labelWeight[i] <= 0 || y < 0 || y >= l.classes || ce.Weights[y] == 0 {
				continue
			}
			fn(b*l.classes*l.voxels+v, l.voxels, y, ce.Weights[y])
		}
	}
}

// logSumExp returns max and log(sum(exp(z - max))) over one voxel's logits.
func logSumExp(z []float32, base, stride, classes int) (float32, float32) {
	m := z[base]
	for c := 1; c < classes; c++ {
		m = math32.Max(m, z[base+c*stride])
	}
	var sum float32
	for c := 0; c < classes; c++ {
		sum += math32.Exp(z[base+c*stride] - m)
	}
	return m, math32.Log(sum)
}

// Forward returns the weighted mean cross-entropy.
func (ce *VoxelCrossEntropy) Forward(logits *tensor.Tensor, label []int32, labelWeight []float32) (float32, error) {
	l, err := ce.layout(logits, label, labelWeight)
	if err != nil {
		return 0, err
	}
	z := logits.Data.([]float32)
	var total, norm float64
	ce.visit(l, label, labelWeight, func(base, stride, target int, w float32) {
		m, lse := logSumExp(z, base, stride, l.classes)
		nll := lse - (z[base+target*stride] - m)
		total += float64(w) * float64(nll)
		norm += float64(w)
	})
	if norm == 0 {
		return 0, nil
	}
	return float32(total / norm), nil
}

// Backward returns dL/dlogits, shaped like logits.
func (ce *VoxelCrossEntropy) Backward(logits *tensor.Tensor, label []int32, labelWeight []float32) (*tensor.Tensor, error) {
	l, err := ce.layout(logits, label, labelWeight)
	if err != nil {
		return nil, err
	}
	grad, err := tensor.Zeros(logits.Shape, tensor.Float32, logits.Device)
	if err != nil {
		return nil, err
	}
	z := logits.Data.([]float32)
	g := grad.Data.([]float32)

	var norm float64
	ce.visit(l, label, labelWeight, func(_, _, _ int, w float32) {
		norm += float64(w)
	})
	if norm == 0 {
		return grad, nil
	}
	scale := float32(1 / norm)
	ce.visit(l, label, labelWeight, func(base, stride, target int, w float32) {
		m, lse := logSumExp(z, base, stride, l.classes)
		for c := 0; c < l.classes; c++ {
			p := math32.Exp(z[base+c*stride] - m - lse)
			if c == target {
				p -= 1
			}
			g[base+c*stride] = w * scale * p
		}
	})
	return grad, nil
}
