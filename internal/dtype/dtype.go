// Package dtype describes tensor element types and their storage traits.
//
// Type values follow the GGML numbering so tensor directories read from
// model files map onto them without translation.
package dtype

import (
	"fmt"
	"sync"
)

// Type is the element type of a tensor.
type Type uint32

// Supported element types.
//
//nolint:revive // Underscore in Q8_0 matches the GGML name.
const (
	F32  Type = 0
	F16  Type = 1
	Q8_0 Type = 8
	I8   Type = 24
	I16  Type = 25
	I32  Type = 26
	I64  Type = 27
	F64  Type = 28
)

// Q8BlockSize is the number of elements in one q8_0 block.
const Q8BlockSize = 32

// Trait holds the storage layout of one element type.
type Trait struct {
	Name      string
	BlockSize int // Elements per block.
	TypeSize  int // Bytes per block.
	Quantized bool
}

// traits is built once and never mutated afterwards.
var traits = sync.OnceValue(func() map[Type]Trait {
	return map[Type]Trait{
		F32:  {Name: "f32", BlockSize: 1, TypeSize: 4},
		F16:  {Name: "f16", BlockSize: 1, TypeSize: 2},
		Q8_0: {Name: "q8_0", BlockSize: Q8BlockSize, TypeSize: 2 + Q8BlockSize, Quantized: true},
		I8:   {Name: "i8", BlockSize: 1, TypeSize: 1},
		I16:  {Name: "i16", BlockSize: 1, TypeSize: 2},
		I32:  {Name: "i32", BlockSize: 1, TypeSize: 4},
		I64:  {Name: "i64", BlockSize: 1, TypeSize: 8},
		F64:  {Name: "f64", BlockSize: 1, TypeSize: 8},
	}
})

// Lookup returns the trait for t and whether t is a known type.
func Lookup(t Type) (Trait, bool) {
	tr, ok := traits()[t]
	return tr, ok
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := Lookup(t)
	return ok
}

// Trait returns the trait for t. Unknown types get a zero-sized trait.
func (t Type) Trait() Trait {
	if tr, ok := Lookup(t); ok {
		return tr
	}
	return Trait{Name: t.String(), BlockSize: 1}
}

// String returns the short GGML-style name.
func (t Type) String() string {
	if tr, ok := Lookup(t); ok {
		return tr.Name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Parse converts a short type name such as "f32" into a Type.
func Parse(name string) (Type, error) {
	for t, tr := range traits() {
		if tr.Name == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown dtype %q", name)
}

// ByteSize returns the storage size of n elements, rounded up to whole blocks.
func (t Type) ByteSize(n int) int {
	tr := t.Trait()
	blocks := (n + tr.BlockSize - 1) / tr.BlockSize
	return blocks * tr.TypeSize
}

// RowSize returns the storage size of one row of n elements.
func (t Type) RowSize(n int) int {
	tr := t.Trait()
	return tr.TypeSize * n / tr.BlockSize
}
