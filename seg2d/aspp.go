package seg2d

import (
	"fmt"

	"github.com/zebrajack/SATNet/layers"
	"github.com/zebrajack/SATNet/tensor"
)

// ASPP sums one dilated 3x3 conv + batch norm branch per rate and applies a
// single ReLU. Every branch pads by its dilation, so spatial size is kept.
type ASPP struct {
	Rates []int
	Convs []*layers.Conv
	BNs   []*layers.BatchNormLayer
}

func NewASPP(b *layers.Builder, inChannels, outChannels int, rates []int) (*ASPP, error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("ASPP needs at least one dilation rate")
	}
	a := &ASPP{Rates: append([]int(nil), rates...)}
	for _, r := range rates {
		a.Convs = append(a.Convs, b.Conv2D(layers.ConvSpec{
			InChannels:  inChannels,
			OutChannels: outChannels,
			KernelSize:  3,
			Padding:     r,
			Dilation:    r,
		}))
		a.BNs = append(a.BNs, b.BatchNorm(outChannels))
	}
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("failed to build ASPP: %w", err)
	}
	return a, nil
}

func (a *ASPP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var sum *tensor.Tensor
	for i := range a.Convs {
		y, err := a.Convs[i].Forward(x)
		if err != nil {
			return nil, fmt.Errorf("ASPP branch %d (rate %d): %w", i, a.Rates[i], err)
		}
		if y, err = a.BNs[i].Forward(y); err != nil {
			return nil, fmt.Errorf("ASPP branch %d (rate %d): %w", i, a.Rates[i], err)
		}
		if sum == nil {
			sum = y
			continue
		}
		if err := tensor.AddInPlace(sum, y); err != nil {
			return nil, fmt.Errorf("ASPP branch %d (rate %d): %w", i, a.Rates[i], err)
		}
	}
	if err := tensor.ReLUInPlace(sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (a *ASPP) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for i, c := range a.Convs {
		params = append(params, layers.Prefix(fmt.Sprintf("conv.%d", i), c.Parameters())...)
	}
	for i, bn := range a.BNs {
		params = append(params, layers.Prefix(fmt.Sprintf("bn.%d", i), bn.Parameters())...)
	}
	return params
}

func (a *ASPP) Type() layers.LayerType { return layers.Container }
