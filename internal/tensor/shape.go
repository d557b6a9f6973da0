package tensor

import (
	"fmt"
	"math"

	"github.com/born-ml/opgraph/internal/errpolicy"
)

// MaxDims is the maximum tensor rank.
const MaxDims = 4

// MaxElements bounds the element count so the byte size of any element type
// (at most 8 bytes per element) fits in an int.
const MaxElements = math.MaxInt / 8

// Shape holds tensor dimensions, innermost first (ne0 is the row length).
// Unused trailing dimensions are 1.
type Shape [MaxDims]int

// NewShape pads dims with ones up to MaxDims.
func NewShape(dims ...int) (Shape, error) {
	s := Shape{1, 1, 1, 1}
	if len(dims) > MaxDims {
		return s, fmt.Errorf("%w: %d dimensions (max %d)", errpolicy.ErrInvalidGraph, len(dims), MaxDims)
	}
	copy(s[:], dims)
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// MustShape is NewShape that panics on error. Intended for tests and literals.
func MustShape(dims ...int) Shape {
	s, err := NewShape(dims...)
	if err != nil {
		panic(err)
	}
	return s
}

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that every dimension is positive and that the element
// count does not exceed MaxElements.
func (s Shape) Validate() error {
	n := 1
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("%w: dimension %d is %d (must be > 0)", errpolicy.ErrInvalidGraph, i, dim)
		}
		if n > MaxElements/dim {
			return fmt.Errorf("%w: shape %s has more than %d elements", errpolicy.ErrInvalidGraph, s, MaxElements)
		}
		n *= dim
	}
	return nil
}

// Cols is the row length.
func (s Shape) Cols() int { return s[0] }

// Rows is the number of rows when the tensor is viewed as a matrix.
func (s Shape) Rows() int { return s[1] * s[2] * s[3] }

// String formats the shape as [ne0 ne1 ne2 ne3].
func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d %d]", s[0], s[1], s[2], s[3])
}
