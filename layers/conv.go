package layers

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/zebrajack/SATNet/tensor"
)

// ConvSpec configures a 2D or 3D convolution with a cubic (square) kernel.
type ConvSpec struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	Dilation    int
	UseBias     bool
}

// Conv is a dense convolution over NCHW (Rank 2) or NCDHW (Rank 3) tensors.
// Weights are laid out [out, in, k...], the layout released checkpoints use.
//
// The kernel is evaluated as one GEMM per kernel tap: the shifted input
// patch for that tap is gathered into a [in, outVoxels] matrix and
// accumulated into the [out, outVoxels] result. This keeps scratch memory at
// one input-sized buffer, which matters at 60x36x60 with 27 taps.
type Conv struct {
	Spec   ConvSpec
	Rank   int
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func NewConv2D(spec ConvSpec, device tensor.Device, init *Initializer) (*Conv, error) {
	return newConv(2, spec, device, init)
}

func NewConv3D(spec ConvSpec, device tensor.Device, init *Initializer) (*Conv, error) {
	return newConv(3, spec, device, init)
}

func newConv(rank int, spec ConvSpec, device tensor.Device, init *Initializer) (*Conv, error) {
	if spec.Stride == 0 {
		spec.Stride = 1
	}
	if spec.Dilation == 0 {
		spec.Dilation = 1
	}
	if spec.InChannels <= 0 || spec.OutChannels <= 0 || spec.KernelSize <= 0 {
		return nil, fmt.Errorf("conv requires positive channels and kernel, got in=%d out=%d k=%d",
			spec.InChannels, spec.OutChannels, spec.KernelSize)
	}
	if spec.Stride < 0 || spec.Padding < 0 || spec.Dilation < 0 {
		return nil, fmt.Errorf("conv stride, padding and dilation must be non-negative")
	}

	kvol := 1
	shape := []int{spec.OutChannels, spec.InChannels}
	for i := 0; i < rank; i++ {
		shape = append(shape, spec.KernelSize)
		kvol *= spec.KernelSize
	}

	weight, err := tensor.Zeros(shape, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate conv weight: %v", err)
	}
	weight.SetRequiresGrad(true)
	if init != nil {
		init.KaimingNormal(weight, spec.OutChannels*kvol)
	}

	c := &Conv{Spec: spec, Rank: rank, Weight: weight}
	if spec.UseBias {
		bias, err := tensor.Zeros([]int{spec.OutChannels}, tensor.Float32, device)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate conv bias: %v", err)
		}
		bias.SetRequiresGrad(true)
		if init != nil {
			init.Uniform(bias, 1/math.Sqrt(float64(spec.InChannels*kvol)))
		}
		c.Bias = bias
	}
	return c, nil
}

func (c *Conv) Type() LayerType {
	if c.Rank == 3 {
		return Conv3D
	}
	return Conv2D
}

func (c *Conv) Parameters() []*Parameter {
	params := []*Parameter{{Name: "weight", Tensor: c.Weight}}
	if c.Bias != nil {
		params = append(params, &Parameter{Name: "bias", Tensor: c.Bias})
	}
	return params
}

// OutputShape computes the result shape for an input shape without running
// the convolution.
func (c *Conv) OutputShape(inShape []int) ([]int, error) {
	if len(inShape) != c.Rank+2 {
		return nil, fmt.Errorf("%s expects rank %d input, got shape %v: %w", c.Type(), c.Rank+2, inShape, tensor.ErrShapeMismatch)
	}
	if inShape[1] != c.Spec.InChannels {
		return nil, fmt.Errorf("%s expects %d input channels, got shape %v: %w", c.Type(), c.Spec.InChannels, inShape, tensor.ErrShapeMismatch)
	}
	out := []int{inShape[0], c.Spec.OutChannels}
	for _, s := range inShape[2:] {
		o := (s+2*c.Spec.Padding-c.Spec.Dilation*(c.Spec.KernelSize-1)-1)/c.Spec.Stride + 1
		if o <= 0 {
			return nil, fmt.Errorf("%s input %v too small for kernel %d dilation %d: %w",
				c.Type(), inShape, c.Spec.KernelSize, c.Spec.Dilation, tensor.ErrShapeMismatch)
		}
		out = append(out, o)
	}
	return out, nil
}

// geometry expresses both ranks as 3D; a 2D conv has a depth of one with a
// unit kernel in that axis.
type geometry struct {
	in, out                     [3]int
	kernel, stride, pad, dilate [3]int
}

func (c *Conv) geometry(inShape, outShape []int) geometry {
	g := geometry{}
	for i := 0; i < 3; i++ {
		g.in[i], g.out[i] = 1, 1
		g.kernel[i], g.stride[i], g.dilate[i] = 1, 1, 1
	}
	first := 3 - c.Rank
	for i := 0; i < c.Rank; i++ {
		g.in[first+i] = inShape[2+i]
		g.out[first+i] = outShape[2+i]
		g.kernel[first+i] = c.Spec.KernelSize
		g.stride[first+i] = c.Spec.Stride
		g.pad[first+i] = c.Spec.Padding
		g.dilate[first+i] = c.Spec.Dilation
	}
	return g
}

// tapIndices maps each output coordinate along one axis to its input
// coordinate for kernel offset k, or -1 when it falls in the padding.
func tapIndices(out, in, k, stride, pad, dilate int) ([]int, bool) {
	idx := make([]int, out)
	valid := false
	for o := range idx {
		i := o*stride - pad + k*dilate
		if i < 0 || i >= in {
			idx[o] = -1
			continue
		}
		idx[o] = i
		valid = true
	}
	return idx, valid
}

func (c *Conv) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckDevice(x, c.Weight.Device); err != nil {
		return nil, err
	}
	if x.DType != tensor.Float32 {
		return nil, fmt.Errorf("%s requires Float32 input, got %s", c.Type(), x.DType)
	}
	outShape, err := c.OutputShape(x.Shape)
	if err != nil {
		return nil, err
	}
	result, err := tensor.Zeros(outShape, tensor.Float32, x.Device)
	if err != nil {
		return nil, err
	}

	g := c.geometry(x.Shape, outShape)
	cin, cout := c.Spec.InChannels, c.Spec.OutChannels
	inVol := g.in[0] * g.in[1] * g.in[2]
	outVol := g.out[0] * g.out[1] * g.out[2]
	kvol := g.kernel[0] * g.kernel[1] * g.kernel[2]

	// Repack weights per tap: packed[k] is a [cout, cin] matrix.
	w := c.Weight.Data.([]float32)
	packed := make([]float32, kvol*cout*cin)
	for co := 0; co < cout; co++ {
		for ci := 0; ci < cin; ci++ {
			src := w[(co*cin+ci)*kvol : (co*cin+ci+1)*kvol]
			for k, v := range src {
				packed[(k*cout+co)*cin+ci] = v
			}
		}
	}

	in := x.Data.([]float32)
	out := result.Data.([]float32)
	col := make([]float32, cin*outVol)

	for b := 0; b < x.Shape[0]; b++ {
		xb := in[b*cin*inVol : (b+1)*cin*inVol]
		ob := out[b*cout*outVol : (b+1)*cout*outVol]
		if c.Bias != nil {
			bias := c.Bias.Data.([]float32)
			for co := 0; co < cout; co++ {
				row := ob[co*outVol : (co+1)*outVol]
				for i := range row {
					row[i] = bias[co]
				}
			}
		}
		outMat := blas32.General{Rows: cout, Cols: outVol, Stride: outVol, Data: ob}

		k := 0
		for kd := 0; kd < g.kernel[0]; kd++ {
			idxD, okD := tapIndices(g.out[0], g.in[0], kd, g.stride[0], g.pad[0], g.dilate[0])
			for kh := 0; kh < g.kernel[1]; kh++ {
				idxH, okH := tapIndices(g.out[1], g.in[1], kh, g.stride[1], g.pad[1], g.dilate[1])
				for kw := 0; kw < g.kernel[2]; kw++ {
					idxW, okW := tapIndices(g.out[2], g.in[2], kw, g.stride[2], g.pad[2], g.dilate[2])
					tap := k
					k++
					if !okD || !okH || !okW {
						// the whole tap reads padding
						continue
					}
					gatherTap(col, xb, cin, g, idxD, idxH, idxW)
					weights := blas32.General{Rows: cout, Cols: cin, Stride: cin, Data: packed[tap*cout*cin : (tap+1)*cout*cin]}
					patch := blas32.General{Rows: cin, Cols: outVol, Stride: outVol, Data: col}
					blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weights, patch, 1, outMat)
				}
			}
		}
	}

	return result, nil
}

func gatherTap(col, xb []float32, cin int, g geometry, idxD, idxH, idxW []int) {
	inVol := g.in[0] * g.in[1] * g.in[2]
	outVol := g.out[0] * g.out[1] * g.out[2]
	for ci := 0; ci < cin; ci++ {
		src := xb[ci*inVol : (ci+1)*inVol]
		dst := col[ci*outVol : (ci+1)*outVol]
		n := 0
		for _, id := range idxD {
			for _, ih := range idxH {
				if id < 0 || ih < 0 {
					for range idxW {
						dst[n] = 0
						n++
					}
					continue
				}
				base := (id*g.in[1] + ih) * g.in[2]
				for _, iw := range idxW {
					if iw < 0 {
						dst[n] = 0
					} else {
						dst[n] = src[base+iw]
					}
					n++
				}
			}
		}
	}
}
