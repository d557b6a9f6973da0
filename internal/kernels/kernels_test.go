package kernels

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/born-ml/opgraph/internal/cpuinfo"
	"github.com/born-ml/opgraph/internal/dtype"
	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/op"
	"github.com/born-ml/opgraph/internal/tensor"
)

func newF32(name string, shape tensor.Shape, vals ...float32) *tensor.Desc {
	d := &tensor.Desc{Name: name, Type: dtype.F32, Shape: shape}
	d.Data = make([]byte, d.ByteSize())
	copy(d.AsFloat32(), vals)
	return d
}

func newF16(name string, shape tensor.Shape, vals ...float32) *tensor.Desc {
	d := &tensor.Desc{Name: name, Type: dtype.F16, Shape: shape}
	d.Data = make([]byte, d.ByteSize())
	h := d.AsFloat16()
	for i, v := range vals {
		h[i] = float16.Fromfloat32(v)
	}
	return d
}

func TestForTier(t *testing.T) {
	for _, tier := range cpuinfo.Tiers() {
		s := ForTier(tier)
		require.NotNil(t, s)
		assert.Equal(t, tier, s.Tier)
	}
	assert.Same(t, ForTier(cpuinfo.TierBase), ForTier(cpuinfo.Tier(99)))
	assert.Same(t, ForTier(cpuinfo.TierWide), ForTier(cpuinfo.TierWide))
}

func TestLookup(t *testing.T) {
	s := ForTier(cpuinfo.TierBase)
	for _, kind := range []op.Kind{op.Noop, op.MatMul, op.Add, op.Sub} {
		f, err := s.Lookup(kind)
		require.NoError(t, err, kind.String())
		assert.NotNil(t, f)
	}
	_, err := s.Lookup(op.Unset)
	assert.ErrorIs(t, err, errpolicy.ErrInvalidGraph)
}

func TestAddSub(t *testing.T) {
	shape := tensor.MustShape(5)
	for _, tier := range cpuinfo.Tiers() {
		t.Run(tier.String(), func(t *testing.T) {
			s := ForTier(tier)
			a := newF32("a", shape, 1, 2, 3, 4, 5)
			b := newF32("b", shape, 10, 20, 30, 40, 50)

			out := newF32("sum", shape)
			require.NoError(t, s.Add(out, []*tensor.Desc{a, b}))
			assert.Equal(t, []float32{11, 22, 33, 44, 55}, out.AsFloat32())

			out = newF32("diff", shape)
			require.NoError(t, s.Sub(out, []*tensor.Desc{b, a}))
			assert.Equal(t, []float32{9, 18, 27, 36, 45}, out.AsFloat32())
		})
	}
}

func TestAddMixedPrecision(t *testing.T) {
	shape := tensor.MustShape(2, 2)
	a := newF16("a", shape, 0.5, 1, 1.5, 2)
	b := newF32("b", shape, 1, 1, 1, 1)
	out := newF16("out", shape)

	require.NoError(t, ForTier(cpuinfo.TierVector).Add(out, []*tensor.Desc{a, b}))
	got, err := out.Float32Values()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2, 2.5, 3}, got)
}

func TestElementwiseErrors(t *testing.T) {
	s := ForTier(cpuinfo.TierBase)
	a := newF32("a", tensor.MustShape(3))
	b := newF32("b", tensor.MustShape(4))
	out := newF32("out", tensor.MustShape(3))

	assert.Error(t, s.Add(out, []*tensor.Desc{a, b}), "shape mismatch")
	assert.Error(t, s.Add(out, []*tensor.Desc{a}), "arity")

	short := &tensor.Desc{Name: "short", Type: dtype.F32, Shape: tensor.MustShape(3), Data: make([]byte, 4)}
	assert.Error(t, s.Add(out, []*tensor.Desc{a, short}), "short buffer")

	l := &tensor.Desc{Name: "l", Type: dtype.I64, Shape: tensor.MustShape(3)}
	l.Data = make([]byte, l.ByteSize())
	assert.Error(t, s.Add(out, []*tensor.Desc{a, l}), "no float view")
}

func TestMatMulSmall(t *testing.T) {
	// A is 2x3 (cols 3, rows 2), B is 3x2.
	a := newF32("a", tensor.MustShape(3, 2), 1, 2, 3, 4, 5, 6)
	b := newF32("b", tensor.MustShape(2, 3), 7, 8, 9, 10, 11, 12)
	want := []float32{58, 64, 139, 154}

	for _, tier := range cpuinfo.Tiers() {
		t.Run(tier.String(), func(t *testing.T) {
			out := newF32("c", tensor.MustShape(2, 2))
			require.NoError(t, ForTier(tier).MatMul(out, []*tensor.Desc{a, b}))
			assert.Equal(t, want, out.AsFloat32())
		})
	}
}

func TestMatMulTiersAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const m, k, n = 67, 33, 19
	av := make([]float32, m*k)
	bv := make([]float32, k*n)
	for i := range av {
		av[i] = rng.Float32() - 0.5
	}
	for i := range bv {
		bv[i] = rng.Float32() - 0.5
	}
	a := newF32("a", tensor.MustShape(k, m), av...)
	b := newF32("b", tensor.MustShape(n, k), bv...)

	ref := newF32("ref", tensor.MustShape(n, m))
	require.NoError(t, ForTier(cpuinfo.TierBase).MatMul(ref, []*tensor.Desc{a, b}))

	for _, tier := range []cpuinfo.Tier{cpuinfo.TierVector, cpuinfo.TierWide} {
		out := newF32("c", tensor.MustShape(n, m))
		require.NoError(t, ForTier(tier).MatMul(out, []*tensor.Desc{a, b}))
		assert.InDeltaSlice(t, ref.AsFloat32(), out.AsFloat32(), 1e-4, tier.String())
	}
}

func TestMatMulF16Output(t *testing.T) {
	a := newF16("a", tensor.MustShape(2, 2), 1, 2, 3, 4)
	b := newF16("b", tensor.MustShape(2, 2), 1, 0, 0, 1)
	out := newF16("c", tensor.MustShape(2, 2))

	require.NoError(t, ForTier(cpuinfo.TierWide).MatMul(out, []*tensor.Desc{a, b}))
	got, err := out.Float32Values()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)
}

func TestMatMulQuantizedWeights(t *testing.T) {
	// One q8_0 block holding a 2x2 identity scaled by 0.5 * 2.
	w := &tensor.Desc{Name: "w", Type: dtype.Q8_0, Shape: tensor.MustShape(2, 2)}
	w.Data = make([]byte, w.ByteSize())
	w.Data[0], w.Data[1] = 0x00, 0x38 // f16 0.5, little endian
	w.Data[2], w.Data[5] = 2, 2

	x := newF32("x", tensor.MustShape(2, 1), 3, 4)
	out := newF32("y", tensor.MustShape(2, 1))
	require.NoError(t, ForTier(cpuinfo.TierVector).MatMul(out, []*tensor.Desc{x, w}))
	assert.Equal(t, []float32{3, 4}, out.AsFloat32())
}

func TestMatMulShapeErrors(t *testing.T) {
	s := ForTier(cpuinfo.TierBase)
	a := newF32("a", tensor.MustShape(3, 2))
	b := newF32("b", tensor.MustShape(2, 4))

	err := s.MatMul(newF32("c", tensor.MustShape(2, 2)), []*tensor.Desc{a, b})
	assert.ErrorContains(t, err, "shape mismatch")

	b = newF32("b", tensor.MustShape(2, 3))
	err = s.MatMul(newF32("c", tensor.MustShape(3, 3)), []*tensor.Desc{a, b})
	assert.ErrorContains(t, err, "output")
}

func TestNoop(t *testing.T) {
	d := newF32("w", tensor.MustShape(2), 1, 2)
	require.NoError(t, Noop(d, nil))
	assert.Equal(t, []float32{1, 2}, d.AsFloat32())
}
