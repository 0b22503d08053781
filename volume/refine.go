// Package volume implements the 3D refinement network that turns lifted
// voxel features into per-voxel class scores.
package volume

import (
	"fmt"

	"github.com/zebrajack/SATNet/layers"
	"github.com/zebrajack/SATNet/tensor"
)

// residualPair builds conv3-BN-ReLU-conv3-BN at constant width.
func residualPair(b *layers.Builder, channels int) *layers.Sequential {
	conv := layers.ConvSpec{InChannels: channels, OutChannels: channels, KernelSize: 3, Padding: 1}
	return layers.NewSequential(
		b.Conv3D(conv),
		b.BatchNorm(channels),
		layers.ReLUModule{},
		b.Conv3D(conv),
		b.BatchNorm(channels),
	)
}

// ASPP3D sums one dilated two-conv branch per rate and adds the block input
// before the final ReLU: relu(x + sum_r bn2(conv2(relu(bn1(conv1(x)))))).
type ASPP3D struct {
	Rates        []int
	Conv1, Conv2 []*layers.Conv
	BN1, BN2     []*layers.BatchNormLayer
}

func NewASPP3D(b *layers.Builder, channels int, rates []int) (*ASPP3D, error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("ASPP3D needs at least one dilation rate")
	}
	a := &ASPP3D{Rates: append([]int(nil), rates...)}
	for _, r := range rates {
		spec := layers.ConvSpec{InChannels: channels, OutChannels: channels, KernelSize: 3, Padding: r, Dilation: r}
		a.Conv1 = append(a.Conv1, b.Conv3D(spec))
		a.BN1 = append(a.BN1, b.BatchNorm(channels))
		a.Conv2 = append(a.Conv2, b.Conv3D(spec))
		a.BN2 = append(a.BN2, b.BatchNorm(channels))
	}
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("failed to build ASPP3D: %w", err)
	}
	return a, nil
}

func (a *ASPP3D) branch(i int, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := a.Conv1[i].Forward(x)
	if err != nil {
		return nil, err
	}
	if y, err = a.BN1[i].Forward(y); err != nil {
		return nil, err
	}
	if err := tensor.ReLUInPlace(y); err != nil {
		return nil, err
	}
	if y, err = a.Conv2[i].Forward(y); err != nil {
		return nil, err
	}
	return a.BN2[i].Forward(y)
}

func (a *ASPP3D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var sum *tensor.Tensor
	for i, r := range a.Rates {
		y, err := a.branch(i, x)
		if err != nil {
			return nil, fmt.Errorf("branch %d (rate %d): %w", i, r, err)
		}
		if sum == nil {
			sum = y
			continue
		}
		if err := tensor.AddInPlace(sum, y); err != nil {
			return nil, fmt.Errorf("branch %d (rate %d): %w", i, r, err)
		}
	}
	if err := tensor.AddInPlace(sum, x); err != nil {
		return nil, fmt.Errorf("ASPP3D residual: %w", err)
	}
	if err := tensor.ReLUInPlace(sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (a *ASPP3D) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for i, c := range a.Conv1 {
		params = append(params, layers.Prefix(fmt.Sprintf("conv1.%d", i), c.Parameters())...)
	}
	for i, bn := range a.BN1 {
		params = append(params, layers.Prefix(fmt.Sprintf("bn1.%d", i), bn.Parameters())...)
	}
	for i, c := range a.Conv2 {
		params = append(params, layers.Prefix(fmt.Sprintf("conv2.%d", i), c.Parameters())...)
	}
	for i, bn := range a.BN2 {
		params = append(params, layers.Prefix(fmt.Sprintf("bn2.%d", i), bn.Parameters())...)
	}
	return params
}

func (a *ASPP3D) Type() layers.LayerType { return layers.Container }

// RefineNet is the volumetric refinement network:
//
//	x1 = relu(seq1(x) + x)
//	x2 = relu(seq2(x1) + x1)
//	x3 = ASPP3D1(x2)
//	x4 = ASPP3D2(x3)
//	logits = ASPP3Dout(cat(x1, x2, x3, x4))
//
// The head is 1x1 (4F->2F) BN ReLU, 1x1 (2F->2F) BN ReLU, 1x1 (2F->classes,
// bias) and a 3x3x3 (classes->classes, bias) smoothing conv.
type RefineNet struct {
	Channels   int
	NumClasses int

	Seq1, Seq2 *layers.Sequential
	ASPP1      *ASPP3D
	ASPP2      *ASPP3D
	Head       *layers.Sequential
}

func NewRefineNet(b *layers.Builder, channels, numClasses int, rates []int) (*RefineNet, error) {
	if channels < 1 || numClasses < 1 {
		return nil, fmt.Errorf("refine net needs positive channels and classes, got %d and %d", channels, numClasses)
	}
	n := &RefineNet{
		Channels:   channels,
		NumClasses: numClasses,
		Seq1:       residualPair(b, channels),
		Seq2:       residualPair(b, channels),
	}
	var err error
	if n.ASPP1, err = NewASPP3D(b, channels, rates); err != nil {
		return nil, fmt.Errorf("ASPP3D1: %w", err)
	}
	if n.ASPP2, err = NewASPP3D(b, channels, rates); err != nil {
		return nil, fmt.Errorf("ASPP3D2: %w", err)
	}

	cat, mid := 4*channels, 2*channels
	n.Head = layers.NewSequential(
		b.Conv3D(layers.ConvSpec{InChannels: cat, OutChannels: mid, KernelSize: 1}),
		b.BatchNorm(mid),
		layers.ReLUModule{},
		b.Conv3D(layers.ConvSpec{InChannels: mid, OutChannels: mid, KernelSize: 1}),
		b.BatchNorm(mid),
		layers.ReLUModule{},
		b.Conv3D(layers.ConvSpec{InChannels: mid, OutChannels: numClasses, KernelSize: 1, UseBias: true}),
		b.Conv3D(layers.ConvSpec{InChannels: numClasses, OutChannels: numClasses, KernelSize: 3, Padding: 1, UseBias: true}),
	)
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("failed to build refine net: %w", err)
	}
	return n, nil
}

func residualStage(name string, seq *layers.Sequential, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := seq.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := tensor.AddInPlace(y, x); err != nil {
		return nil, fmt.Errorf("%s residual: %w", name, err)
	}
	if err := tensor.ReLUInPlace(y); err != nil {
		return nil, err
	}
	return y, nil
}

// Forward maps [B, Channels, D0, D1, D2] to [B, NumClasses, D0, D1, D2].
func (n *RefineNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 5 || x.Shape[1] != n.Channels {
		return nil, fmt.Errorf("refine net expects [batch, %d, d0, d1, d2], got %v: %w", n.Channels, x.Shape, tensor.ErrShapeMismatch)
	}
	x1, err := residualStage("seq1", n.Seq1, x)
	if err != nil {
		return nil, err
	}
	x2, err := residualStage("seq2", n.Seq2, x1)
	if err != nil {
		return nil, err
	}
	x3, err := n.ASPP1.Forward(x2)
	if err != nil {
		return nil, fmt.Errorf("ASPP3D1: %w", err)
	}
	x4, err := n.ASPP2.Forward(x3)
	if err != nil {
		return nil, fmt.Errorf("ASPP3D2: %w", err)
	}
	joined, err := tensor.Concat(1, x1, x2, x3, x4)
	if err != nil {
		return nil, fmt.Errorf("cat(x1, x2, x3, x4): %w", err)
	}
	out, err := n.Head.Forward(joined)
	if err != nil {
		return nil, fmt.Errorf("ASPP3Dout: %w", err)
	}
	return out, nil
}

// Groups returns the parameter groups in optimizer order: seq1, seq2,
// ASPP3D1, ASPP3D2, ASPP3Dout. Names are rooted at the network.
func (n *RefineNet) Groups() [][]*layers.Parameter {
	return [][]*layers.Parameter{
		layers.Prefix("seq1", n.Seq1.Parameters()),
		layers.Prefix("seq2", n.Seq2.Parameters()),
		layers.Prefix("ASPP3D1", n.ASPP1.Parameters()),
		layers.Prefix("ASPP3D2", n.ASPP2.Parameters()),
		layers.Prefix("ASPP3Dout", n.Head.Parameters()),
	}
}

func (n *RefineNet) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, g := range n.Groups() {
		params = append(params, g...)
	}
	return params
}

func (n *RefineNet) Type() layers.LayerType { return layers.Container }
