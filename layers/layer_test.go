package layers

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebrajack/SATNet/tensor"
)

func TestBatchNormEval(t *testing.T) {
	bn, err := NewBatchNorm(2, 0, tensor.Host)
	require.NoError(t, err)
	require.NoError(t, bn.Weight.SetData([]float32{2, 1}))
	require.NoError(t, bn.Bias.SetData([]float32{0, 1}))
	require.NoError(t, bn.RunningMean.SetData([]float32{1, 2}))
	require.NoError(t, bn.RunningVar.SetData([]float32{4, 0.25}))

	x, err := tensor.FromFloat32([]int{1, 2, 1, 2}, []float32{5, 1, 3, 2}, tensor.Host)
	require.NoError(t, err)
	y, err := bn.Forward(x)
	require.NoError(t, err)

	// (x-mean)/sqrt(var)*gamma+beta
	expected := []float32{4, 0, 3, 1}
	if diff := cmp.Diff(expected, y.Data.([]float32)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchNormParameters(t *testing.T) {
	bn, err := NewBatchNorm(3, 1e-5, tensor.Host)
	require.NoError(t, err)

	params := bn.Parameters()
	var names []string
	for _, p := range params {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"weight", "bias", "running_mean", "running_var"}, names)
	assert.Len(t, Learnable(params), 2)
	assert.Equal(t, int64(6), CountParameters(params))

	x, _ := tensor.Zeros([]int{1, 4, 2, 2}, tensor.Float32, tensor.Host)
	_, err = bn.Forward(x)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestBatchNorm5D(t *testing.T) {
	bn, err := NewBatchNorm(2, 1e-5, tensor.Host)
	require.NoError(t, err)
	require.NoError(t, bn.Bias.SetData([]float32{0, 3}))

	x, _ := tensor.Zeros([]int{2, 2, 2, 1, 2}, tensor.Float32, tensor.Host)
	y, err := bn.Forward(x)
	require.NoError(t, err)
	data := y.Data.([]float32)
	for b := 0; b < 2; b++ {
		for i := 0; i < 4; i++ {
			assert.Equal(t, float32(0), data[b*8+i])
			assert.Equal(t, float32(3), data[b*8+4+i])
		}
	}
}

func TestPixelShuffleOrdering(t *testing.T) {
	shuffle := NewPixelShuffle(2)
	x, err := tensor.FromFloat32([]int{1, 4, 1, 1}, []float32{0, 1, 2, 3}, tensor.Host)
	require.NoError(t, err)
	y, err := shuffle.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape)
	assert.Equal(t, []float32{0, 1, 2, 3}, y.Data.([]float32))
}

func TestPixelShuffleMatchesDefinition(t *testing.T) {
	for _, r := range []int{2, 3, 4} {
		const n, c, h, w = 2, 3, 2, 3
		in := arange(n * c * r * r * h * w)
		x, err := tensor.FromFloat32([]int{n, c * r * r, h, w}, in, tensor.Host)
		require.NoError(t, err)

		y, err := NewPixelShuffle(r).Forward(x)
		require.NoError(t, err)
		require.Equal(t, []int{n, c, h * r, w * r}, y.Shape)

		for b := 0; b < n; b++ {
			for ch := 0; ch < c; ch++ {
				for hh := 0; hh < h; hh++ {
					for ww := 0; ww < w; ww++ {
						for i := 0; i < r; i++ {
							for j := 0; j < r; j++ {
								want, _ := x.At(b, ch*r*r+i*r+j, hh, ww)
								got, _ := y.At(b, ch, hh*r+i, ww*r+j)
								if want != got {
									t.Fatalf("r=%d out[%d,%d,%d,%d] = %v, expected %v", r, b, ch, hh*r+i, ww*r+j, got, want)
								}
							}
						}
					}
				}
			}
		}
	}
}

func TestPixelShuffleRejectsIndivisibleChannels(t *testing.T) {
	x, _ := tensor.Zeros([]int{1, 6, 2, 2}, tensor.Float32, tensor.Host)
	_, err := NewPixelShuffle(2).Forward(x)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestMaxPool2D(t *testing.T) {
	pool := NewMaxPool2D(3, 2, 1)

	x, _ := tensor.FromFloat32([]int{1, 1, 4, 4}, arange(16), tensor.Host)
	y, err := pool.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape)
	assert.Equal(t, []float32{5, 7, 13, 15}, y.Data.([]float32))

	negative, _ := tensor.Full([]int{1, 2, 4, 4}, float32(-1), tensor.Float32, tensor.Host)
	y, err = pool.Forward(negative)
	require.NoError(t, err)
	for _, v := range y.Data.([]float32) {
		assert.Equal(t, float32(-1), v)
	}
}

func TestSequentialNamesAndErrors(t *testing.T) {
	init := NewInitializer(1)
	conv, err := NewConv2D(ConvSpec{InChannels: 2, OutChannels: 2, KernelSize: 3, Padding: 1}, tensor.Host, init)
	require.NoError(t, err)
	bn, err := NewBatchNorm(2, 1e-5, tensor.Host)
	require.NoError(t, err)
	seq := NewSequential(conv, bn, ReLUModule{})

	var names []string
	for _, p := range Prefix("head", seq.Parameters()) {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"head.0.weight",
		"head.1.weight", "head.1.bias", "head.1.running_mean", "head.1.running_var",
	}, names)

	x, _ := tensor.Full([]int{1, 2, 3, 3}, float32(-2), tensor.Float32, tensor.Host)
	y, err := seq.Forward(x)
	require.NoError(t, err)
	for _, v := range y.Data.([]float32) {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	bad, _ := tensor.Zeros([]int{1, 5, 3, 3}, tensor.Float32, tensor.Host)
	_, err = seq.Forward(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
	assert.Contains(t, err.Error(), "layer 0 (Conv2D)")
}

func TestSummary(t *testing.T) {
	conv, _ := NewConv2D(ConvSpec{InChannels: 1, OutChannels: 2, KernelSize: 1, UseBias: true}, tensor.Host, nil)
	bn, _ := NewBatchNorm(2, 1e-5, tensor.Host)
	specs := Describe(map[string]Component{"proj": conv, "norm": bn}, []string{"proj", "norm"})

	require.Len(t, specs, 2)
	assert.Equal(t, LayerSpec{Type: Conv2D, Name: "proj", ParameterCount: 4}, specs[0])
	assert.Equal(t, LayerSpec{Type: BatchNorm, Name: "norm", ParameterCount: 4}, specs[1])

	out := Summary(specs)
	assert.True(t, strings.HasPrefix(out, "Model Summary:\n"))
	assert.Contains(t, out, "Total Parameters: 8")
}
