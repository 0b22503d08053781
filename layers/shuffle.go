package layers

import (
	"fmt"

	"github.com/zebrajack/SATNet/tensor"
)

// PixelShuffleLayer rearranges [N, C*r*r, H, W] into [N, C, H*r, W*r].
// Channel c*r*r + i*r + j of the input lands at row offset i, column offset j
// of output block (h, w); the block is filled row-major.
type PixelShuffleLayer struct {
	Factor int
}

func NewPixelShuffle(factor int) *PixelShuffleLayer {
	return &PixelShuffleLayer{Factor: factor}
}

func (p *PixelShuffleLayer) Type() LayerType { return PixelShuffle }

func (p *PixelShuffleLayer) Parameters() []*Parameter { return nil }

func (p *PixelShuffleLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	r := p.Factor
	if r < 1 {
		return nil, fmt.Errorf("pixel shuffle factor must be positive, got %d", r)
	}
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("pixel shuffle requires 4D input, got %v: %w", x.Shape, tensor.ErrShapeMismatch)
	}
	n, cin, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if cin%(r*r) != 0 {
		return nil, fmt.Errorf("pixel shuffle: %d channels not divisible by %d: %w", cin, r*r, tensor.ErrShapeMismatch)
	}
	cout := cin / (r * r)
	oh, ow := h*r, w*r

	result, err := tensor.Zeros([]int{n, cout, oh, ow}, tensor.Float32, x.Device)
	if err != nil {
		return nil, err
	}
	in := x.Data.([]float32)
	out := result.Data.([]float32)

	for b := 0; b < n; b++ {
		for c := 0; c < cout; c++ {
			dst := out[(b*cout+c)*oh*ow : (b*cout+c+1)*oh*ow]
			for i := 0; i < r; i++ {
				for j := 0; j < r; j++ {
					srcC := c*r*r + i*r + j
					src := in[(b*cin+srcC)*h*w : (b*cin+srcC+1)*h*w]
					for y := 0; y < h; y++ {
						row := dst[(y*r+i)*ow:]
						for xx := 0; xx < w; xx++ {
							row[xx*r+j] = src[y*w+xx]
						}
					}
				}
			}
		}
	}
	return result, nil
}
