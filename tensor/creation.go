package tensor

import (
	"fmt"
	"slices"
)

// NewTensor creates a tensor of the given shape on device. data may be nil,
// a slice of the dtype's element type (wrapped without copying) or a single
// element used to fill the tensor. The shape is copied.
func NewTensor(shape []int, dtype DType, device Device, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	t := &Tensor{
		Shape:    slices.Clone(shape),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shape),
	}
	if data == nil {
		return t, nil
	}
	if err := t.SetData(data); err != nil {
		return nil, err
	}
	return t, nil
}

// wrap accepts either a full slice or a fill value of element type E.
func wrap[E float32 | int32](data interface{}, n int) ([]E, bool, error) {
	switch d := data.(type) {
	case []E:
		if len(d) != n {
			return nil, true, fmt.Errorf("data length %d does not match tensor size %d", len(d), n)
		}
		return d, true, nil
	case E:
		fill := make([]E, n)
		for i := range fill {
			fill[i] = d
		}
		return fill, true, nil
	}
	return nil, false, nil
}

// SetData replaces the tensor contents in place.
func (t *Tensor) SetData(data interface{}) error {
	var (
		values interface{}
		ok     bool
		err    error
	)
	switch t.DType {
	case Float32:
		values, ok, err = wrap[float32](data, t.NumElems)
	case Int32:
		values, ok, err = wrap[int32](data, t.NumElems)
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unsupported data type for %s tensor: %T", t.DType, data)
	}
	t.Data = values
	return nil
}

func Zeros(shape []int, dtype DType, device Device) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, device, float32(0))
	case Int32:
		return NewTensor(shape, dtype, device, int32(0))
	}
	return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
}

func Ones(shape []int, dtype DType, device Device) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, device, float32(1))
	case Int32:
		return NewTensor(shape, dtype, device, int32(1))
	}
	return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
}

// Full fills a new tensor with value, which must be a float32 or int32
// matching dtype.
func Full(shape []int, value interface{}, dtype DType, device Device) (*Tensor, error) {
	return NewTensor(shape, dtype, device, value)
}

// FromFloat32 wraps data without copying.
func FromFloat32(shape []int, data []float32, device Device) (*Tensor, error) {
	return NewTensor(shape, Float32, device, data)
}
