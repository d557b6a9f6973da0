package kernels

import (
	"fmt"

	"github.com/born-ml/opgraph/internal/tensor"
)

type binaryLoop func(dst, a, b []float32)

// elementwise wraps a same-shape binary loop into a kernel.
func elementwise(name string, loop binaryLoop) Func {
	return func(out *tensor.Desc, in []*tensor.Desc) error {
		if err := checkOperands(name, out, in); err != nil {
			return err
		}
		a, b := in[0], in[1]
		n := out.Shape.NumElements()
		if a.Shape.NumElements() != n || b.Shape.NumElements() != n {
			return fmt.Errorf("%s: shape mismatch %s, %s -> %s", name, a.Shape, b.Shape, out.Shape)
		}

		av, _, err := floats(a)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		bv, _, err := floats(b)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		dst, inPlace, err := output(out)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		loop(dst[:n], av[:n], bv[:n])
		if !inPlace {
			store(out, dst)
		}
		return nil
	}
}

func addScalar(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}

func subScalar(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
}

func addUnrolled(dst, a, b []float32) {
	n := len(dst)
	i := 0
	for ; i+4 <= n; i += 4 {
		dst[i] = a[i] + b[i]
		dst[i+1] = a[i+1] + b[i+1]
		dst[i+2] = a[i+2] + b[i+2]
		dst[i+3] = a[i+3] + b[i+3]
	}
	for ; i < n; i++ {
		dst[i] = a[i] + b[i]
	}
}

func subUnrolled(dst, a, b []float32) {
	n := len(dst)
	i := 0
	for ; i+4 <= n; i += 4 {
		dst[i] = a[i] - b[i]
		dst[i+1] = a[i+1] - b[i+1]
		dst[i+2] = a[i+2] - b[i+2]
		dst[i+3] = a[i+3] - b[i+3]
	}
	for ; i < n; i++ {
		dst[i] = a[i] - b[i]
	}
}
