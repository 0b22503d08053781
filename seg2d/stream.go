package seg2d

import (
	"fmt"

	"github.com/zebrajack/SATNet/config"
	"github.com/zebrajack/SATNet/layers"
	"github.com/zebrajack/SATNet/tensor"
)

// StreamConfig sizes one modality stream.
type StreamConfig struct {
	InChannels  int
	Width       int // stem width S
	Blocks      [4]int
	OutChannels int
	Rates       []int
}

// StreamConfigFrom derives the stream shape from the deployment config.
// Both modalities take 3-channel images (RGB and HHA).
func StreamConfigFrom(cfg *config.Config) StreamConfig {
	return StreamConfig{
		InChannels:  3,
		Width:       cfg.BackboneWidth,
		Blocks:      cfg.BackboneBlocks,
		OutChannels: cfg.StreamChannels,
		Rates:       cfg.ASPPRates2D,
	}
}

// StreamNet maps one modality image to dense per-pixel features at the input
// resolution. The decoder climbs the backbone with 2x DUC blocks and adds each
// result to the next shallower stage:
//
//	dfm1 = fm3 + duc1(fm4)
//	dfm2 = fm2 + duc2(dfm1)
//	dfm3 = fm1 + duc3(dfm2)
//	dfm4 = conv_x + duc4(transformer(cat(dfm3, pool_x)))
//	out  = ASPP(duc5(dfm4))
type StreamNet struct {
	Backbone    *Backbone
	DUC         [5]*DUC
	Transformer *layers.Conv
	ASPP        *ASPP
}

func NewStreamNet(b *layers.Builder, sc StreamConfig) (*StreamNet, error) {
	bb, err := NewBackbone(b, sc.InChannels, sc.Width, sc.Blocks)
	if err != nil {
		return nil, err
	}
	s := sc.Width
	fm1, fm2, fm3, fm4 := bb.StageChannels(0), bb.StageChannels(1), bb.StageChannels(2), bb.StageChannels(3)
	half, err := config.ExactDiv(s, 2, "duc5 output width")
	if err != nil {
		return nil, err
	}

	n := &StreamNet{Backbone: bb}
	widths := [5][2]int{
		{fm4, fm3},
		{fm3, fm2},
		{fm2, fm1},
		{2 * s, s},
		{s, half},
	}
	for i, w := range widths {
		if n.DUC[i], err = NewDUC(b, w[0], w[1], 2); err != nil {
			return nil, fmt.Errorf("duc%d: %w", i+1, err)
		}
	}
	n.Transformer = b.Conv2D(layers.ConvSpec{InChannels: fm1 + s, OutChannels: 2 * s, KernelSize: 1, UseBias: true})
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("transformer: %w", err)
	}
	if n.ASPP, err = NewASPP(b, half, sc.OutChannels, sc.Rates); err != nil {
		return nil, err
	}
	return n, nil
}

// residual computes skip + block(x), failing on any shape difference.
func residual(name string, skip *tensor.Tensor, block *DUC, x *tensor.Tensor) (*tensor.Tensor, error) {
	up, err := block.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := tensor.AddInPlace(up, skip); err != nil {
		return nil, fmt.Errorf("%s: decoder output %v vs skip %v: %w", name, up.Shape, skip.Shape, err)
	}
	return up, nil
}

func (n *StreamNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("stream input must be [batch, channels, height, width], got %v: %w", x.Shape, tensor.ErrShapeMismatch)
	}
	if x.Shape[2]%config.OutputStride != 0 || x.Shape[3]%config.OutputStride != 0 {
		return nil, fmt.Errorf("stream input %dx%d is not a multiple of %d: %w",
			x.Shape[3], x.Shape[2], config.OutputStride, tensor.ErrShapeMismatch)
	}

	f, err := n.Backbone.Forward(x)
	if err != nil {
		return nil, err
	}
	dfm1, err := residual("dfm1 = fm3 + duc1(fm4)", f.FM[2], n.DUC[0], f.FM[3])
	if err != nil {
		return nil, err
	}
	dfm2, err := residual("dfm2 = fm2 + duc2(dfm1)", f.FM[1], n.DUC[1], dfm1)
	if err != nil {
		return nil, err
	}
	dfm3, err := residual("dfm3 = fm1 + duc3(dfm2)", f.FM[0], n.DUC[2], dfm2)
	if err != nil {
		return nil, err
	}
	joined, err := tensor.Concat(1, dfm3, f.PoolX)
	if err != nil {
		return nil, fmt.Errorf("cat(dfm3, pool_x): %w", err)
	}
	t, err := n.Transformer.Forward(joined)
	if err != nil {
		return nil, fmt.Errorf("transformer: %w", err)
	}
	dfm4, err := residual("dfm4 = conv_x + duc4(t)", f.ConvX, n.DUC[3], t)
	if err != nil {
		return nil, err
	}
	dfm5, err := n.DUC[4].Forward(dfm4)
	if err != nil {
		return nil, fmt.Errorf("duc5: %w", err)
	}
	out, err := n.ASPP.Forward(dfm5)
	if err != nil {
		return nil, fmt.Errorf("ASPP: %w", err)
	}
	return out, nil
}

func (n *StreamNet) Parameters() []*layers.Parameter {
	params := n.Backbone.Parameters()
	for i, d := range n.DUC {
		params = append(params, layers.Prefix(fmt.Sprintf("duc%d", i+1), d.Parameters())...)
	}
	params = append(params, layers.Prefix("ASPP", n.ASPP.Parameters())...)
	params = append(params, layers.Prefix("transformer", n.Transformer.Parameters())...)
	return params
}

func (n *StreamNet) Type() layers.LayerType { return layers.Container }
