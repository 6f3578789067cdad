package service

import (
	"slices"

	"github.com/x448/float16"
)

// DType is the element type a predictor expects on its input slot.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return "unknown"
	}
}

// Layout is the axis order of a 4-d image tensor.
type Layout int

const (
	NHWC Layout = iota
	NCHW
)

func (l Layout) String() string {
	if l == NCHW {
		return "NCHW"
	}
	return "NHWC"
}

// TensorSpec is the fixed input/output contract of a loaded predictor. Shape
// always has a batch dimension of 1.
type TensorSpec struct {
	Shape   []int64
	Layout  Layout
	DType   DType
	Classes int
}

func (s TensorSpec) Width() int {
	if s.Layout == NCHW {
		return int(s.Shape[3])
	}
	return int(s.Shape[2])
}

func (s TensorSpec) Height() int {
	if s.Layout == NCHW {
		return int(s.Shape[2])
	}
	return int(s.Shape[1])
}

func (s TensorSpec) Len() int {
	n := 1
	for _, d := range s.Shape {
		n *= int(d)
	}
	return n
}

func (s TensorSpec) Equal(o TensorSpec) bool {
	return slices.Equal(s.Shape, o.Shape) && s.Layout == o.Layout && s.DType == o.DType && s.Classes == o.Classes
}

// Tensor is a preprocessed single-image batch. Only the slice matching DType
// is populated.
type Tensor struct {
	Shape []int64
	DType DType
	F32   []float32
	F16   []float16.Float16
}

func (t Tensor) Len() int {
	if t.DType == Float16 {
		return len(t.F16)
	}
	return len(t.F32)
}

// Predictor runs one forward pass at a time. Implementations are not safe for
// concurrent use.
type Predictor interface {
	Spec() TensorSpec
	Run(Tensor) ([]float32, error)
	Close() error
}

// LabelSet maps output positions to class names.
type LabelSet []string

type Result struct {
	Label  string    `json:"label"`
	Index  int       `json:"index"`
	Scores []float32 `json:"scores,omitempty"`
}
