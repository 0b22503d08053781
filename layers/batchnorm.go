package layers

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/zebrajack/SATNet/tensor"
)

// BatchNormLayer normalizes channel 1 of an N-D tensor with its running
// statistics (inference semantics). Statistics are updated only by loading a
// checkpoint; there is no training-mode batch estimate.
type BatchNormLayer struct {
	NumFeatures int
	Eps         float32

	Weight      *tensor.Tensor // gamma
	Bias        *tensor.Tensor // beta
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
}

func NewBatchNorm(numFeatures int, eps float32, device tensor.Device) (*BatchNormLayer, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("batch norm requires positive num_features, got %d", numFeatures)
	}
	shape := []int{numFeatures}
	gamma, err := tensor.Ones(shape, tensor.Float32, device)
	if err != nil {
		return nil, err
	}
	beta, err := tensor.Zeros(shape, tensor.Float32, device)
	if err != nil {
		return nil, err
	}
	mean, err := tensor.Zeros(shape, tensor.Float32, device)
	if err != nil {
		return nil, err
	}
	variance, err := tensor.Ones(shape, tensor.Float32, device)
	if err != nil {
		return nil, err
	}
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)

	return &BatchNormLayer{
		NumFeatures: numFeatures,
		Eps:         eps,
		Weight:      gamma,
		Bias:        beta,
		RunningMean: mean,
		RunningVar:  variance,
	}, nil
}

func (bn *BatchNormLayer) Type() LayerType { return BatchNorm }

func (bn *BatchNormLayer) Parameters() []*Parameter {
	return []*Parameter{
		{Name: "weight", Tensor: bn.Weight},
		{Name: "bias", Tensor: bn.Bias},
		{Name: "running_mean", Tensor: bn.RunningMean, Buffer: true},
		{Name: "running_var", Tensor: bn.RunningVar, Buffer: true},
	}
}

func (bn *BatchNormLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckDevice(x, bn.Weight.Device); err != nil {
		return nil, err
	}
	if len(x.Shape) < 2 || x.Shape[1] != bn.NumFeatures {
		return nil, fmt.Errorf("batch norm expects %d channels on dim 1, got shape %v: %w", bn.NumFeatures, x.Shape, tensor.ErrShapeMismatch)
	}

	gamma := bn.Weight.Data.([]float32)
	beta := bn.Bias.Data.([]float32)
	mean := bn.RunningMean.Data.([]float32)
	variance := bn.RunningVar.Data.([]float32)

	scale := make([]float32, bn.NumFeatures)
	shift := make([]float32, bn.NumFeatures)
	for c := range scale {
		scale[c] = gamma[c] / math32.Sqrt(variance[c]+bn.Eps)
		shift[c] = beta[c] - mean[c]*scale[c]
	}

	result, err := tensor.Zeros(x.Shape, tensor.Float32, x.Device)
	if err != nil {
		return nil, err
	}
	inner := x.NumElems / (x.Shape[0] * x.Shape[1])
	in := x.Data.([]float32)
	out := result.Data.([]float32)
	for b := 0; b < x.Shape[0]; b++ {
		for c := 0; c < bn.NumFeatures; c++ {
			off := (b*bn.NumFeatures + c) * inner
			s, t := scale[c], shift[c]
			for i := off; i < off+inner; i++ {
				out[i] = in[i]*s + t
			}
		}
	}
	return result, nil
}
