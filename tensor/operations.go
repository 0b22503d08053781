package tensor

import (
	"fmt"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s: %w", t1.DType, t2.DType, ErrDTypeMismatch)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s: %w", t1.Device, t2.Device, ErrDeviceMismatch)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}

	if len(shape1) != len(shape2) {
		return nil, fmt.Errorf("tensor shapes must have same number of dimensions: %v vs %v: %w", shape1, shape2, ErrShapeMismatch)
	}

	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return nil, fmt.Errorf("tensor shapes must match: %v vs %v: %w", shape1, shape2, ErrShapeMismatch)
		}
	}

	return shape1, nil
}

// CheckDevice reports ErrDeviceMismatch when t does not live on device.
func CheckDevice(t *Tensor, device Device) error {
	if t.Device != device {
		return fmt.Errorf("tensor on %s, expected %s: %w", t.Device, device, ErrDeviceMismatch)
	}
	return nil
}

func binaryFloat32(t1, t2 *Tensor, name string, op func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	data1 := t1.Data.([]float32)
	data2 := t2.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t1.NumElems; i++ {
		resultData[i] = op(data1[i], data2[i])
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryFloat32(t1, t2, "Add", func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryFloat32(t1, t2, "Sub", func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryFloat32(t1, t2, "Mul", func(a, b float32) float32 { return a * b })
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) error {
	if err := checkCompatibility(dst, src); err != nil {
		return err
	}
	if _, err := checkShapesCompatible(dst.Shape, src.Shape); err != nil {
		return err
	}
	if dst.DType != Float32 {
		return fmt.Errorf("unsupported dtype for AddInPlace: %s", dst.DType)
	}
	d := dst.Data.([]float32)
	s := src.Data.([]float32)
	for i := range d {
		d[i] += s[i]
	}
	return nil
}

// Scale returns t multiplied by a scalar.
func Scale(t *Tensor, factor float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Scale: %s", t.DType)
	}
	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}
	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i, v := range data {
		resultData[i] = v * factor
	}
	return result, nil
}

func ReLU(t *Tensor) (*Tensor, error) {
	result, err := t.Clone()
	if err != nil {
		return nil, err
	}
	if err := ReLUInPlace(result); err != nil {
		return nil, err
	}
	return result, nil
}

// ReLUInPlace clamps negative entries of t to zero.
func ReLUInPlace(t *Tensor) error {
	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	case Int32:
		data := t.Data.([]int32)
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	default:
		return fmt.Errorf("unsupported dtype for ReLU: %s", t.DType)
	}
	return nil
}

// Concat joins float32 tensors along dim. All other dimensions, the dtype and
// the device must agree exactly.
func Concat(dim int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	first := tensors[0]
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("concat dimension %d out of range for shape %v", dim, first.Shape)
	}
	if first.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Concat: %s", first.DType)
	}

	outShape := make([]int, len(first.Shape))
	copy(outShape, first.Shape)
	outShape[dim] = 0
	for i, t := range tensors {
		if err := checkCompatibility(first, t); err != nil {
			return nil, fmt.Errorf("concat operand %d: %w", i, err)
		}
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("concat operand %d has shape %v, expected rank %d: %w", i, t.Shape, len(first.Shape), ErrShapeMismatch)
		}
		for d := range t.Shape {
			if d != dim && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("concat operand %d has shape %v, incompatible with %v on dim %d: %w", i, t.Shape, first.Shape, d, ErrShapeMismatch)
			}
		}
		outShape[dim] += t.Shape[dim]
	}

	// outer: product of dims before dim; inner: product of dims after dim
	outer := 1
	for d := 0; d < dim; d++ {
		outer *= first.Shape[d]
	}
	inner := 1
	for d := dim + 1; d < len(first.Shape); d++ {
		inner *= first.Shape[d]
	}

	result, err := Zeros(outShape, Float32, first.Device)
	if err != nil {
		return nil, err
	}
	out := result.Data.([]float32)
	offset := 0
	for o := 0; o < outer; o++ {
		for _, t := range tensors {
			block := t.Shape[dim] * inner
			src := t.Data.([]float32)[o*block : (o+1)*block]
			copy(out[offset:offset+block], src)
			offset += block
		}
	}
	return result, nil
}
