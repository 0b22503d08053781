// Package seg2d holds the dual-stream 2D segmentation network: a ResNet
// bottleneck backbone per modality, a dense upsampling decoder and the
// fusion head that merges the color and depth streams.
package seg2d

import (
	"fmt"

	"github.com/zebrajack/SATNet/layers"
	"github.com/zebrajack/SATNet/tensor"
)

// DUC is a dense upsampling block: 3x3 conv to outChannels*r*r, batch norm,
// ReLU, then a pixel shuffle by r.
type DUC struct {
	Conv    *layers.Conv
	BN      *layers.BatchNormLayer
	Shuffle *layers.PixelShuffleLayer
}

func NewDUC(b *layers.Builder, inChannels, outChannels, factor int) (*DUC, error) {
	if factor < 1 {
		return nil, fmt.Errorf("DUC upscale factor must be positive, got %d", factor)
	}
	expanded := outChannels * factor * factor
	d := &DUC{
		Conv:    b.Conv2D(layers.ConvSpec{InChannels: inChannels, OutChannels: expanded, KernelSize: 3, Padding: 1}),
		BN:      b.BatchNorm(expanded),
		Shuffle: layers.NewPixelShuffle(factor),
	}
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("failed to build DUC %d->%d: %w", inChannels, outChannels, err)
	}
	return d, nil
}

func (d *DUC) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := d.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = d.BN.Forward(y); err != nil {
		return nil, err
	}
	if err := tensor.ReLUInPlace(y); err != nil {
		return nil, err
	}
	return d.Shuffle.Forward(y)
}

func (d *DUC) Parameters() []*layers.Parameter {
	params := layers.Prefix("conv", d.Conv.Parameters())
	return append(params, layers.Prefix("bn", d.BN.Parameters())...)
}

func (d *DUC) Type() layers.LayerType { return layers.Container }
