package kernels

import (
	"fmt"

	"github.com/born-ml/opgraph/internal/parallel"
	"github.com/born-ml/opgraph/internal/tensor"
)

// rowsFunc computes rows [lo, hi) of C = A @ B, with A (m x k) and B (k x n).
type rowsFunc func(c, a, b []float32, k, n, lo, hi int)

// matMul builds a matrix multiply kernel. A is viewed as Rows x Cols, so
// out must be B.Cols wide and A.Rows tall.
func matMul(rows rowsFunc, cfg parallel.Config) Func {
	return func(out *tensor.Desc, in []*tensor.Desc) error {
		if err := checkOperands("mul_mat", out, in); err != nil {
			return err
		}
		a, b := in[0], in[1]
		m, k := a.Shape.Rows(), a.Shape.Cols()
		kb, n := b.Shape.Rows(), b.Shape.Cols()
		if k != kb {
			return fmt.Errorf("mul_mat: shape mismatch %s @ %s", a.Shape, b.Shape)
		}
		if out.Shape.Cols() != n || out.Shape.Rows() != m {
			return fmt.Errorf("mul_mat: output %s, want %d x %d", out.Shape, m, n)
		}

		av, _, err := floats(a)
		if err != nil {
			return fmt.Errorf("mul_mat: %w", err)
		}
		bv, _, err := floats(b)
		if err != nil {
			return fmt.Errorf("mul_mat: %w", err)
		}
		c, inPlace, err := output(out)
		if err != nil {
			return fmt.Errorf("mul_mat: %w", err)
		}

		parallel.Rows(m, cfg, func(lo, hi int) {
			rows(c, av, bv, k, n, lo, hi)
		})
		if !inPlace {
			store(out, c)
		}
		return nil
	}
}

// matmulNaiveRows is the textbook i-j-k loop.
// C[i,j] = sum_k A[i,k] * B[k,j]
func matmulNaiveRows(c, a, b []float32, k, n, lo, hi int) {
	for i := lo; i < hi; i++ {
		for j := 0; j < n; j++ {
			sum := float32(0)
			for p := 0; p < k; p++ {
				sum += a[i*k+p] * b[p*n+j]
			}
			c[i*n+j] = sum
		}
	}
}

// matmulUnrolledRows walks B row by row (i-k-j order) so both inner
// accesses are sequential.
func matmulUnrolledRows(c, a, b []float32, k, n, lo, hi int) {
	for i := lo; i < hi; i++ {
		crow := c[i*n : (i+1)*n]
		clear(crow)
		for p := 0; p < k; p++ {
			axpy(crow, b[p*n:(p+1)*n], a[i*k+p])
		}
	}
}

// axpy computes dst += alpha * x.
func axpy(dst, x []float32, alpha float32) {
	n := len(dst)
	j := 0
	for ; j+4 <= n; j += 4 {
		dst[j] += alpha * x[j]
		dst[j+1] += alpha * x[j+1]
		dst[j+2] += alpha * x[j+2]
		dst[j+3] += alpha * x[j+3]
	}
	for ; j < n; j++ {
		dst[j] += alpha * x[j]
	}
}
