package layers

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/zebrajack/SATNet/tensor"
)

// MaxPool2DLayer takes the maximum over a square window. Padding cells never
// win, as if padded with -inf.
type MaxPool2DLayer struct {
	KernelSize int
	Stride     int
	Padding    int
}

func NewMaxPool2D(kernel, stride, padding int) *MaxPool2DLayer {
	return &MaxPool2DLayer{KernelSize: kernel, Stride: stride, Padding: padding}
}

func (p *MaxPool2DLayer) Type() LayerType { return MaxPool2D }

func (p *MaxPool2DLayer) Parameters() []*Parameter { return nil }

func (p *MaxPool2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D requires 4D input [batch, channels, height, width], got %v: %w", x.Shape, tensor.ErrShapeMismatch)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h+2*p.Padding-p.KernelSize)/p.Stride + 1
	ow := (w+2*p.Padding-p.KernelSize)/p.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("MaxPool2D input %v too small for kernel %d: %w", x.Shape, p.KernelSize, tensor.ErrShapeMismatch)
	}

	result, err := tensor.Zeros([]int{n, c, oh, ow}, tensor.Float32, x.Device)
	if err != nil {
		return nil, err
	}
	in := x.Data.([]float32)
	out := result.Data.([]float32)

	for plane := 0; plane < n*c; plane++ {
		src := in[plane*h*w : (plane+1)*h*w]
		dst := out[plane*oh*ow : (plane+1)*oh*ow]
		for y := 0; y < oh; y++ {
			for xo := 0; xo < ow; xo++ {
				best := math32.Inf(-1)
				for ky := 0; ky < p.KernelSize; ky++ {
					iy := y*p.Stride - p.Padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < p.KernelSize; kx++ {
						ix := xo*p.Stride - p.Padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						best = math32.Max(best, src[iy*w+ix])
					}
				}
				dst[y*ow+xo] = best
			}
		}
	}
	return result, nil
}
