package seg2d

import (
	"fmt"

	"github.com/zebrajack/SATNet/layers"
	"github.com/zebrajack/SATNet/tensor"
)

// FusionNet runs a color stream and a depth stream and merges them with
// BN -> ReLU -> 1x1 conv -> BN -> ReLU. Both streams always run.
type FusionNet struct {
	Color *StreamNet // "cs"
	Depth *StreamNet // "ds"
	Fuse  *layers.Sequential

	OutChannels int
}

func NewFusionNet(b *layers.Builder, sc StreamConfig, outChannels int) (*FusionNet, error) {
	color, err := NewStreamNet(b, sc)
	if err != nil {
		return nil, fmt.Errorf("color stream: %w", err)
	}
	depth, err := NewStreamNet(b, sc)
	if err != nil {
		return nil, fmt.Errorf("depth stream: %w", err)
	}
	joined := 2 * sc.OutChannels
	fuse := layers.NewSequential(
		b.BatchNorm(joined),
		layers.ReLUModule{},
		b.Conv2D(layers.ConvSpec{InChannels: joined, OutChannels: outChannels, KernelSize: 1, UseBias: true}),
		b.BatchNorm(outChannels),
		layers.ReLUModule{},
	)
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("fusion head: %w", err)
	}
	return &FusionNet{Color: color, Depth: depth, Fuse: fuse, OutChannels: outChannels}, nil
}

// Forward returns [B, OutChannels, H, W] features for a color/depth pair of
// the same spatial size.
func (f *FusionNet) Forward(color, depth *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(color.Shape, depth.Shape) {
		return nil, fmt.Errorf("color %v and depth %v inputs differ: %w", color.Shape, depth.Shape, tensor.ErrShapeMismatch)
	}
	c, err := f.Color.Forward(color)
	if err != nil {
		return nil, fmt.Errorf("cs: %w", err)
	}
	d, err := f.Depth.Forward(depth)
	if err != nil {
		return nil, fmt.Errorf("ds: %w", err)
	}
	x, err := tensor.Concat(1, c, d)
	if err != nil {
		return nil, fmt.Errorf("cat(cs, ds): %w", err)
	}
	out, err := f.Fuse.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("fuse: %w", err)
	}
	return out, nil
}

func (f *FusionNet) Parameters() []*layers.Parameter {
	params := layers.Prefix("cs", f.Color.Parameters())
	params = append(params, layers.Prefix("ds", f.Depth.Parameters())...)
	return append(params, layers.Prefix("fuse", f.Fuse.Parameters())...)
}

func (f *FusionNet) Type() layers.LayerType { return layers.Container }
