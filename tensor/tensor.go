// Package tensor provides dense float32 and int32 tensors placed on an
// explicit Device. Binary operations never broadcast and never move data
// between devices; mismatches are reported with the sentinel errors in
// errors.go.
package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

var dtypeNames = [...]string{Float32: "Float32", Int32: "Int32"}

func (d DType) String() string {
	if d < 0 || int(d) >= len(dtypeNames) {
		return "Unknown"
	}
	return dtypeNames[d]
}

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

var deviceNames = [...]string{CPU: "CPU", GPU: "GPU"}

func (d DeviceType) String() string {
	if d < 0 || int(d) >= len(deviceNames) {
		return "Unknown"
	}
	return deviceNames[d]
}

// Device identifies where a tensor lives. Every component is constructed with
// a Device and every binary operation requires its operands to share one.
// Kernels execute on host memory; the device is a placement domain, and
// tensors are never moved between domains implicitly.
type Device struct {
	Type  DeviceType
	Index int
}

// Host is the default placement used by tests and the CLI.
var Host = Device{Type: CPU}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Tensor is a row-major n-dimensional array. Data holds []float32 or []int32
// according to DType.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   Device
	Data     interface{}
	NumElems int

	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

func (t *Tensor) SetRequiresGrad(requires bool) { t.requiresGrad = requires }

func (t *Tensor) Grad() *Tensor { return t.grad }

// SetGrad attaches a gradient computed outside this package, typically by
// the training engine. The gradient must match the tensor's dtype, device
// and shape. nil clears it.
func (t *Tensor) SetGrad(grad *Tensor) error {
	if grad != nil {
		if err := checkCompatibility(t, grad); err != nil {
			return err
		}
		if _, err := checkShapesCompatible(t.Shape, grad.Shape); err != nil {
			return err
		}
	}
	t.grad = grad
	return nil
}

// calculateStrides returns row-major strides; the last dimension is
// contiguous.
func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	for i, stride := len(shape)-1, 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// calculateNumElements is zero for a rank-0 shape.
func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape %v: dimension %d has size %d, must be positive", shape, i, dim)
		}
	}
	return nil
}

// NumElements returns the element count of a shape.
func NumElements(shape []int) int {
	return calculateNumElements(shape)
}
