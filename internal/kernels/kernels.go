// Package kernels implements the CPU compute for each operation kind.
//
// Kernels read their operands and write their output in place, directly in
// arena memory. One Set exists per capability tier; the set for a tier is
// built once and shared.
package kernels

import (
	"fmt"
	"sync"

	"github.com/x448/float16"

	"github.com/born-ml/opgraph/internal/cpuinfo"
	"github.com/born-ml/opgraph/internal/dtype"
	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/op"
	"github.com/born-ml/opgraph/internal/parallel"
	"github.com/born-ml/opgraph/internal/tensor"
)

// Func computes out from the operands in.
type Func func(out *tensor.Desc, in []*tensor.Desc) error

// Set is the kernel table for one capability tier.
type Set struct {
	Tier   cpuinfo.Tier
	MatMul Func
	Add    Func
	Sub    Func
}

// Lookup returns the kernel for kind.
func (s *Set) Lookup(kind op.Kind) (Func, error) {
	switch kind {
	case op.Noop:
		return Noop, nil
	case op.MatMul:
		return s.MatMul, nil
	case op.Add:
		return s.Add, nil
	case op.Sub:
		return s.Sub, nil
	default:
		return nil, fmt.Errorf("%w: no kernel for op kind %s", errpolicy.ErrInvalidGraph, kind)
	}
}

var sets = sync.OnceValue(func() map[cpuinfo.Tier]*Set {
	wide := parallel.DefaultConfig()
	return map[cpuinfo.Tier]*Set{
		cpuinfo.TierBase: {
			Tier:   cpuinfo.TierBase,
			MatMul: matMul(matmulNaiveRows, parallel.Config{Workers: 1}),
			Add:    elementwise("add", addScalar),
			Sub:    elementwise("sub", subScalar),
		},
		cpuinfo.TierVector: {
			Tier:   cpuinfo.TierVector,
			MatMul: matMul(matmulUnrolledRows, parallel.Config{Workers: 1}),
			Add:    elementwise("add", addUnrolled),
			Sub:    elementwise("sub", subUnrolled),
		},
		cpuinfo.TierWide: {
			Tier:   cpuinfo.TierWide,
			MatMul: matMul(matmulUnrolledRows, wide),
			Add:    elementwise("add", addUnrolled),
			Sub:    elementwise("sub", subUnrolled),
		},
	}
})

// ForTier returns the kernel set for tier. Unknown tiers get the base set.
func ForTier(tier cpuinfo.Tier) *Set {
	if s, ok := sets()[tier]; ok {
		return s
	}
	return sets()[cpuinfo.TierBase]
}

// Noop leaves its output untouched. Leaf tensors such as weights use it.
func Noop(*tensor.Desc, []*tensor.Desc) error { return nil }

// floats returns a float32 view of d, converting when d is not f32.
// The bool reports whether the view aliases d.Data.
func floats(d *tensor.Desc) ([]float32, bool, error) {
	if d.Type == dtype.F32 {
		return d.AsFloat32(), true, nil
	}
	v, err := d.Float32Values()
	return v, false, err
}

// output returns the buffer a kernel should write into.
func output(out *tensor.Desc) ([]float32, bool, error) {
	switch out.Type {
	case dtype.F32:
		return out.AsFloat32(), true, nil
	case dtype.F16:
		return make([]float32, out.Shape.NumElements()), false, nil
	default:
		return nil, false, fmt.Errorf("output %s: unsupported dtype %s", out.Name, out.Type)
	}
}

// store writes vals into out when the kernel did not compute in place.
func store(out *tensor.Desc, vals []float32) {
	if out.Type != dtype.F16 {
		return
	}
	dst := out.AsFloat16()
	for i, v := range vals {
		dst[i] = float16.Fromfloat32(v)
	}
}

func checkOperands(name string, out *tensor.Desc, in []*tensor.Desc) error {
	if len(in) != 2 {
		return fmt.Errorf("%s: want 2 operands, got %d", name, len(in))
	}
	if out.ByteSize() > len(out.Data) {
		return fmt.Errorf("%s: output %s has %d bytes, needs %d", name, out.Name, len(out.Data), out.ByteSize())
	}
	for _, d := range in {
		if d.ByteSize() > len(d.Data) {
			return fmt.Errorf("%s: operand %s has %d bytes, needs %d", name, d.Name, len(d.Data), d.ByteSize())
		}
	}
	return nil
}
