package tensor

import "errors"

// Error classes returned (wrapped) by tensor operations. Shape and device
// mismatches are never resolved by broadcasting, truncation or copying.
var (
	ErrShapeMismatch  = errors.New("shape mismatch")
	ErrDeviceMismatch = errors.New("device mismatch")
	ErrDTypeMismatch  = errors.New("dtype mismatch")
)
