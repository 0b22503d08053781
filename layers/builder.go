package layers

import (
	"github.com/zebrajack/SATNet/tensor"
)

// Builder constructs layers that share a device, an initializer and a batch
// norm epsilon. The first construction error is kept and every later call
// becomes a no-op, so a network constructor checks Err once at the end.
type Builder struct {
	Device tensor.Device
	Init   *Initializer
	Eps    float32

	err error
}

func NewBuilder(device tensor.Device, init *Initializer, eps float32) *Builder {
	return &Builder{Device: device, Init: init, Eps: eps}
}

// Err returns the first error encountered.
func (b *Builder) Err() error { return b.err }

func (b *Builder) Conv2D(spec ConvSpec) *Conv {
	if b.err != nil {
		return nil
	}
	c, err := NewConv2D(spec, b.Device, b.Init)
	b.err = err
	return c
}

func (b *Builder) Conv3D(spec ConvSpec) *Conv {
	if b.err != nil {
		return nil
	}
	c, err := NewConv3D(spec, b.Device, b.Init)
	b.err = err
	return c
}

func (b *Builder) BatchNorm(numFeatures int) *BatchNormLayer {
	if b.err != nil {
		return nil
	}
	bn, err := NewBatchNorm(numFeatures, b.Eps, b.Device)
	b.err = err
	return bn
}

// Fail records err unless an earlier error is already held.
func (b *Builder) Fail(err error) {
	if b.err == nil {
		b.err = err
	}
}
