package seg2d

import (
	"fmt"

	"github.com/zebrajack/SATNet/layers"
	"github.com/zebrajack/SATNet/tensor"
)

// bottleneckExpansion is the ratio of a bottleneck's output width to its
// inner width.
const bottleneckExpansion = 4

// Bottleneck is the ResNet 1x1-3x3-1x1 residual block. The stride sits on
// the 3x3 conv; Downsample projects the identity when width or stride change.
type Bottleneck struct {
	Conv1, Conv2, Conv3 *layers.Conv
	BN1, BN2, BN3       *layers.BatchNormLayer
	Downsample          *layers.Sequential
}

func newBottleneck(b *layers.Builder, inChannels, planes, stride int) *Bottleneck {
	out := planes * bottleneckExpansion
	blk := &Bottleneck{
		Conv1: b.Conv2D(layers.ConvSpec{InChannels: inChannels, OutChannels: planes, KernelSize: 1}),
		BN1:   b.BatchNorm(planes),
		Conv2: b.Conv2D(layers.ConvSpec{InChannels: planes, OutChannels: planes, KernelSize: 3, Stride: stride, Padding: 1}),
		BN2:   b.BatchNorm(planes),
		Conv3: b.Conv2D(layers.ConvSpec{InChannels: planes, OutChannels: out, KernelSize: 1}),
		BN3:   b.BatchNorm(out),
	}
	if stride != 1 || inChannels != out {
		blk.Downsample = layers.NewSequential(
			b.Conv2D(layers.ConvSpec{InChannels: inChannels, OutChannels: out, KernelSize: 1, Stride: stride}),
			b.BatchNorm(out),
		)
	}
	return blk
}

func convBN(x *tensor.Tensor, conv *layers.Conv, bn *layers.BatchNormLayer, relu bool) (*tensor.Tensor, error) {
	y, err := conv.Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = bn.Forward(y); err != nil {
		return nil, err
	}
	if relu {
		if err := tensor.ReLUInPlace(y); err != nil {
			return nil, err
		}
	}
	return y, nil
}

func (blk *Bottleneck) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := convBN(x, blk.Conv1, blk.BN1, true)
	if err != nil {
		return nil, err
	}
	if out, err = convBN(out, blk.Conv2, blk.BN2, true); err != nil {
		return nil, err
	}
	if out, err = convBN(out, blk.Conv3, blk.BN3, false); err != nil {
		return nil, err
	}

	identity := x
	if blk.Downsample != nil {
		if identity, err = blk.Downsample.Forward(x); err != nil {
			return nil, fmt.Errorf("downsample: %w", err)
		}
	}
	if err := tensor.AddInPlace(out, identity); err != nil {
		return nil, fmt.Errorf("bottleneck residual: %w", err)
	}
	if err := tensor.ReLUInPlace(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (blk *Bottleneck) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	params = append(params, layers.Prefix("conv1", blk.Conv1.Parameters())...)
	params = append(params, layers.Prefix("bn1", blk.BN1.Parameters())...)
	params = append(params, layers.Prefix("conv2", blk.Conv2.Parameters())...)
	params = append(params, layers.Prefix("bn2", blk.BN2.Parameters())...)
	params = append(params, layers.Prefix("conv3", blk.Conv3.Parameters())...)
	params = append(params, layers.Prefix("bn3", blk.BN3.Parameters())...)
	if blk.Downsample != nil {
		params = append(params, layers.Prefix("downsample", blk.Downsample.Parameters())...)
	}
	return params
}

func (blk *Bottleneck) Type() layers.LayerType { return layers.Container }

// BackboneFeatures are the intermediate maps the decoder taps into.
type BackboneFeatures struct {
	ConvX *tensor.Tensor    // stem output, H/2
	PoolX *tensor.Tensor    // after max pooling, H/4
	FM    [4]*tensor.Tensor // layer1..layer4 at H/4, H/8, H/16, H/32
}

// Backbone is a ResNet bottleneck feature extractor with stage widths
// 4S, 8S, 16S, 32S for stem width S.
type Backbone struct {
	Width   int
	Conv1   *layers.Conv
	BN0     *layers.BatchNormLayer
	MaxPool *layers.MaxPool2DLayer
	Stages  [4][]*Bottleneck
}

func NewBackbone(b *layers.Builder, inChannels, width int, blocks [4]int) (*Backbone, error) {
	bb := &Backbone{
		Width:   width,
		Conv1:   b.Conv2D(layers.ConvSpec{InChannels: inChannels, OutChannels: width, KernelSize: 7, Stride: 2, Padding: 3}),
		BN0:     b.BatchNorm(width),
		MaxPool: layers.NewMaxPool2D(3, 2, 1),
	}
	in := width
	for stage := 0; stage < 4; stage++ {
		if blocks[stage] < 1 {
			return nil, fmt.Errorf("backbone stage %d needs at least one block", stage+1)
		}
		planes := width << stage
		stride := 2
		if stage == 0 {
			stride = 1
		}
		for i := 0; i < blocks[stage]; i++ {
			s := 1
			if i == 0 {
				s = stride
			}
			bb.Stages[stage] = append(bb.Stages[stage], newBottleneck(b, in, planes, s))
			in = planes * bottleneckExpansion
		}
	}
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("failed to build backbone: %w", err)
	}
	return bb, nil
}

// StageChannels returns the output width of stage (0-based).
func (bb *Backbone) StageChannels(stage int) int {
	return (bb.Width << stage) * bottleneckExpansion
}

func (bb *Backbone) Forward(x *tensor.Tensor) (*BackboneFeatures, error) {
	convX, err := convBN(x, bb.Conv1, bb.BN0, true)
	if err != nil {
		return nil, fmt.Errorf("stem: %w", err)
	}
	poolX, err := bb.MaxPool.Forward(convX)
	if err != nil {
		return nil, fmt.Errorf("stem pool: %w", err)
	}

	feats := &BackboneFeatures{ConvX: convX, PoolX: poolX}
	h := poolX
	for stage, blocks := range bb.Stages {
		for i, blk := range blocks {
			if h, err = blk.Forward(h); err != nil {
				return nil, fmt.Errorf("layer%d.%d: %w", stage+1, i, err)
			}
		}
		feats.FM[stage] = h
	}
	return feats, nil
}

func (bb *Backbone) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	params = append(params, layers.Prefix("conv1", bb.Conv1.Parameters())...)
	params = append(params, layers.Prefix("bn0", bb.BN0.Parameters())...)
	for stage, blocks := range bb.Stages {
		for i, blk := range blocks {
			params = append(params, layers.Prefix(fmt.Sprintf("layer%d.%d", stage+1, i), blk.Parameters())...)
		}
	}
	return params
}

func (bb *Backbone) Type() layers.LayerType { return layers.Container }
