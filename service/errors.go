package service

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrLoad      = errors.New("model load failed")
	ErrDecode    = errors.New("image decode failed")
	ErrShape     = errors.New("tensor shape mismatch")
	ErrInference = errors.New("inference failed")
)

const (
	ReasonDecode    = "decode"
	ReasonShape     = "shape"
	ReasonInference = "inference"
)

// Reason tags a per-request failure so callers can tell a bad upload from an
// internal failure.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrDecode):
		return ReasonDecode
	case errors.Is(err, ErrShape):
		return ReasonShape
	default:
		return ReasonInference
	}
}

// CheckTensor rejects a tensor whose dtype or shape differs from spec.
func CheckTensor(spec TensorSpec, t Tensor) error {
	if t.DType != spec.DType {
		return fmt.Errorf("%w: got %s input, predictor expects %s", ErrShape, t.DType, spec.DType)
	}
	if !slices.Equal(t.Shape, spec.Shape) {
		return fmt.Errorf("%w: got shape %v, predictor expects %v", ErrShape, t.Shape, spec.Shape)
	}
	if t.Len() != spec.Len() {
		return fmt.Errorf("%w: got %d values, predictor expects %d", ErrShape, t.Len(), spec.Len())
	}
	return nil
}
