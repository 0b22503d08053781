package tensor

import (
	"fmt"
	"slices"
	"strings"

	"github.com/chewxy/math32"
)

// resolveShape validates a target shape for numElems elements, filling in at
// most one -1 dimension.
func resolveShape(numElems int, target []int) ([]int, error) {
	shape := slices.Clone(target)
	known, infer := 1, -1
	for i, dim := range shape {
		switch {
		case dim == -1 && infer >= 0:
			return nil, fmt.Errorf("only one dimension can be -1, got %v", target)
		case dim == -1:
			infer = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d of %v must be positive or -1", i, target)
		default:
			known *= dim
		}
	}
	if infer >= 0 {
		if numElems%known != 0 {
			return nil, fmt.Errorf("cannot infer -1 in %v for %d elements: %w", target, numElems, ErrShapeMismatch)
		}
		shape[infer] = numElems / known
		known = numElems
	}
	if known != numElems {
		return nil, fmt.Errorf("cannot view %d elements as %v (%d elements): %w", numElems, shape, known, ErrShapeMismatch)
	}
	return shape, nil
}

// Reshape returns a view with a new shape over the same storage. One
// dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape, err := resolveShape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Device:       t.Device,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func copyData(dtype DType, data interface{}) (interface{}, error) {
	switch d := data.(type) {
	case nil:
		return nil, fmt.Errorf("tensor has nil data")
	case []float32:
		if dtype == Float32 {
			return slices.Clone(d), nil
		}
	case []int32:
		if dtype == Int32 {
			return slices.Clone(d), nil
		}
	}
	return nil, fmt.Errorf("cannot copy %T data of a %s tensor", data, dtype)
}

// Clone deep-copies shape and data. The gradient is not carried over.
func (t *Tensor) Clone() (*Tensor, error) {
	data, err := copyData(t.DType, t.Data)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		Shape:        slices.Clone(t.Shape),
		Strides:      slices.Clone(t.Strides),
		DType:        t.DType,
		Device:       t.Device,
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if d, ok := t.Data.([]float32); ok && t.DType == Float32 {
		return d, nil
	}
	return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if d, ok := t.Data.([]int32); ok && t.DType == Int32 {
		return d, nil
	}
	return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("got %d indices for a %d-dimensional tensor", len(indices), len(t.Shape))
	}
	off := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range [0, %d) on dimension %d", v, t.Shape[i], i)
		}
		off += v * t.Strides[i]
	}
	return off, nil
}

// At returns the element at indices as float32 or int32.
func (t *Tensor) At(indices ...int) (interface{}, error) {
	off, err := t.offset(indices)
	if err != nil {
		return nil, err
	}
	switch d := t.Data.(type) {
	case []float32:
		return d[off], nil
	case []int32:
		return d[off], nil
	}
	return nil, fmt.Errorf("At: unsupported data %T", t.Data)
}

// SetAt writes value, which must match the tensor's element type.
func (t *Tensor) SetAt(value interface{}, indices ...int) error {
	off, err := t.offset(indices)
	if err != nil {
		return err
	}
	switch d := t.Data.(type) {
	case []float32:
		v, ok := value.(float32)
		if !ok {
			return fmt.Errorf("SetAt: %T value for a Float32 tensor", value)
		}
		d[off] = v
	case []int32:
		v, ok := value.(int32)
		if !ok {
			return fmt.Errorf("SetAt: %T value for an Int32 tensor", value)
		}
		d[off] = v
	default:
		return fmt.Errorf("SetAt: unsupported data %T", t.Data)
	}
	return nil
}

// Size returns a copy of the shape.
func (t *Tensor) Size() []int { return slices.Clone(t.Shape) }

func (t *Tensor) Numel() int { return t.NumElems }

func (t *Tensor) Dim() int { return len(t.Shape) }

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool { return slices.Equal(a, b) }

// Equal reports exact elementwise equality. Tensors of different dtype or
// shape are simply unequal.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType || !SameShape(t.Shape, other.Shape) {
		return false, nil
	}
	switch d := t.Data.(type) {
	case []float32:
		return slices.Equal(d, other.Data.([]float32)), nil
	case []int32:
		return slices.Equal(d, other.Data.([]int32)), nil
	}
	return false, fmt.Errorf("Equal: unsupported dtype %s", t.DType)
}

// MaxAbsDiff returns the largest absolute elementwise difference between two
// float32 tensors of identical shape.
func MaxAbsDiff(a, b *Tensor) (float32, error) {
	if err := checkCompatibility(a, b); err != nil {
		return 0, err
	}
	if _, err := checkShapesCompatible(a.Shape, b.Shape); err != nil {
		return 0, err
	}
	da, err := a.GetFloat32Data()
	if err != nil {
		return 0, err
	}
	db := b.Data.([]float32)
	var worst float32
	for i := range da {
		worst = math32.Max(worst, math32.Abs(da[i]-db[i]))
	}
	return worst, nil
}

// ToDevice returns t unchanged when it already lives on device and a copy
// tagged with the new device otherwise. Nothing in this module moves data
// on its own.
func (t *Tensor) ToDevice(device Device) (*Tensor, error) {
	if t.Device == device {
		return t, nil
	}
	moved, err := t.Clone()
	if err != nil {
		return nil, err
	}
	moved.Device = device
	return moved, nil
}

// PrintData renders the header and up to maxElements values (20 when
// maxElements <= 0).
func (t *Tensor) PrintData(maxElements int) string {
	if maxElements <= 0 {
		maxElements = 20
	}
	shown := min(t.NumElems, maxElements)

	values := make([]string, 0, shown+1)
	for i := 0; i < shown; i++ {
		switch d := t.Data.(type) {
		case []float32:
			values = append(values, fmt.Sprintf("%.4f", d[i]))
		case []int32:
			values = append(values, fmt.Sprintf("%d", d[i]))
		}
	}
	if t.NumElems > maxElements {
		values = append(values, fmt.Sprintf("... (%d more elements)", t.NumElems-maxElements))
	}
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)\n[%s]",
		t.Shape, t.DType, t.Device, strings.Join(values, ", "))
}

// ZeroGrad clears the gradients of tensors that require them.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if !t.requiresGrad || t.grad == nil {
			continue
		}
		if g, ok := t.grad.Data.([]float32); ok {
			clear(g)
		}
	}
}
