package graph

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opgraph/internal/cpuinfo"
	"github.com/born-ml/opgraph/internal/dtype"
	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/op"
	"github.com/born-ml/opgraph/internal/pool"
	"github.com/born-ml/opgraph/internal/tensor"
)

func testConfig(threads int, policy errpolicy.Policy) Config {
	return Config{
		Threads:      threads,
		Policy:       policy,
		Tier:         "base",
		TensorBytes:  4096,
		ScratchBytes: 0,
		ParamBytes:   4096,
	}
}

func newGraph(t *testing.T, cfg Config) *Graph {
	t.Helper()
	g, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func f32Param(name string, shape tensor.Shape, vals ...float32) tensor.Desc {
	d := tensor.Desc{Name: name, Type: dtype.F32, Shape: shape}
	d.Data = make([]byte, d.ByteSize())
	copy(tensor.Float32s(d.Data), vals)
	return d
}

func mustAddOp(t *testing.T, g *Graph, name string, kind op.Kind, shape tensor.Shape, inputs ...int) int {
	t.Helper()
	i, err := g.AddOp(name, kind, dtype.F32, shape, inputs...)
	require.NoError(t, err)
	return i
}

func assertCompleted(t *testing.T, g *Graph) {
	t.Helper()
	for i := 0; i < g.Len(); i++ {
		assert.Equal(t, op.Completed, g.Record(i).State(), "record %d", i)
	}
}

func TestSingleOperation(t *testing.T) {
	g := newGraph(t, testConfig(4, errpolicy.FailFast))
	mustAddOp(t, g, "only", op.Noop, tensor.MustShape(4))

	require.NoError(t, g.ResetState())
	require.NoError(t, g.ExecuteTasks())

	assert.Equal(t, uint64(1), g.Stats().Executed)
	assert.Empty(t, g.Record(0).Dependents)
	assertCompleted(t, g)
}

func TestComputeDiamond(t *testing.T) {
	for _, tier := range cpuinfo.Tiers() {
		t.Run(tier.String(), func(t *testing.T) {
			cfg := testConfig(2, errpolicy.FailFast)
			cfg.Tier = tier.String()
			g := newGraph(t, cfg)
			sq := tensor.MustShape(2, 2)

			a, err := g.AddParam(f32Param("a", sq, 1, 2, 3, 4))
			require.NoError(t, err)
			b, err := g.AddParam(f32Param("b", sq, 5, 6, 7, 8))
			require.NoError(t, err)
			mm := mustAddOp(t, g, "mm", op.MatMul, sq, a, b)
			sum := mustAddOp(t, g, "sum", op.Add, sq, mm, a)
			diff := mustAddOp(t, g, "diff", op.Sub, sq, sum, b)

			require.NoError(t, g.Run())
			assertCompleted(t, g)

			out, err := g.OutputByName("mm")
			require.NoError(t, err)
			assert.Equal(t, []float32{19, 22, 43, 50}, out.AsFloat32())
			out, err = g.Output(sum)
			require.NoError(t, err)
			assert.Equal(t, []float32{20, 24, 46, 54}, out.AsFloat32())
			out, err = g.Output(diff)
			require.NoError(t, err)
			assert.Equal(t, []float32{15, 18, 39, 46}, out.AsFloat32())

			assert.Equal(t, 0, g.Record(a).Depth)
			assert.Equal(t, 1, g.Record(mm).Depth)
			assert.Equal(t, 2, g.Record(sum).Depth)
			assert.Equal(t, 3, g.Record(diff).Depth)
			assert.Equal(t, tier, g.Tier())
		})
	}
}

func TestDepthsAndPredecessors(t *testing.T) {
	g := newGraph(t, testConfig(2, errpolicy.FailFast))
	s := tensor.MustShape(1)
	a := mustAddOp(t, g, "A", op.Noop, s)
	b := mustAddOp(t, g, "B", op.Noop, s, a)
	c := mustAddOp(t, g, "C", op.Noop, s, a)
	d := mustAddOp(t, g, "D", op.Noop, s, b, c, b)

	require.NoError(t, g.Build())
	assert.ElementsMatch(t, []int{b, c}, g.Record(a).Dependents)
	assert.Equal(t, 2, g.Record(d).Predecessors())
	assert.Equal(t, 2, g.Record(d).Depth)

	_, err := g.AddOp("late", op.Noop, dtype.F32, s)
	assert.ErrorIs(t, err, ErrBuilt)
}

func TestForwardReferences(t *testing.T) {
	g := newGraph(t, testConfig(2, errpolicy.FailFast))
	s := tensor.MustShape(1)
	// "sink" is added first but consumes the later records.
	sink := mustAddOp(t, g, "sink", op.Add, s, 1, 2)
	mustAddOp(t, g, "x", op.Noop, s)
	mustAddOp(t, g, "y", op.Noop, s)

	require.NoError(t, g.Run())
	assert.Equal(t, 1, g.Record(sink).Depth)
	assertCompleted(t, g)
}

func TestMultiplePasses(t *testing.T) {
	for _, threads := range []int{1, 2, 8} {
		g := newGraph(t, testConfig(threads, errpolicy.FailFast))
		s := tensor.MustShape(3)
		one, err := g.AddParam(f32Param("one", s, 1, 1, 1))
		require.NoError(t, err)
		x, err := g.AddParam(f32Param("x", s, 1, 2, 3))
		require.NoError(t, err)
		y := mustAddOp(t, g, "y", op.Add, s, x, one)

		for pass := 0; pass < 3; pass++ {
			require.NoError(t, g.Run())
			assertCompleted(t, g)
			out, err := g.Output(y)
			require.NoError(t, err)
			assert.Equal(t, []float32{2, 3, 4}, out.AsFloat32())
		}
		assert.Equal(t, uint64(3), g.Stats().Passes)
		assert.Equal(t, uint64(9), g.Stats().Executed)
	}
}

func TestArenaExhaustion(t *testing.T) {
	cfg := testConfig(1, errpolicy.FailFast)
	cfg.TensorBytes = 64
	g := newGraph(t, cfg)

	mustAddOp(t, g, "first", op.Noop, tensor.MustShape(10))
	offset := g.Device().Tensors().Offset()
	_, err := g.AddOp("second", op.Noop, dtype.F32, tensor.MustShape(8))
	assert.ErrorIs(t, err, errpolicy.ErrOutOfMemory)
	assert.Equal(t, offset, g.Device().Tensors().Offset())
	assert.Equal(t, 1, g.Len())
}

func TestArenaExhaustionBestEffort(t *testing.T) {
	var logs bytes.Buffer
	cfg := testConfig(1, errpolicy.BestEffort)
	cfg.TensorBytes = 64
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	g := newGraph(t, cfg)

	mustAddOp(t, g, "first", op.Noop, tensor.MustShape(10))
	i, err := g.AddOp("second", op.Noop, dtype.F32, tensor.MustShape(8))
	require.NoError(t, err)
	out, err := g.Output(i)
	require.NoError(t, err)
	assert.Nil(t, out.Data)
	assert.Contains(t, logs.String(), "exceeds capacity")

	require.NoError(t, g.Run())
	assertCompleted(t, g)
}

func TestInvalidGraphFailFast(t *testing.T) {
	s := tensor.MustShape(1)
	cases := []struct {
		name  string
		build func(g *Graph)
	}{
		{"bad input index", func(g *Graph) { _, _ = g.AddOp("a", op.Noop, dtype.F32, s, 7) }},
		{"self edge", func(g *Graph) { _, _ = g.AddOp("a", op.Noop, dtype.F32, s, 0) }},
		{"unknown kind", func(g *Graph) { _, _ = g.AddOp("a", op.Kind(42), dtype.F32, s) }},
		{"wrong arity", func(g *Graph) {
			_, _ = g.AddOp("a", op.Noop, dtype.F32, s)
			_, _ = g.AddOp("b", op.Add, dtype.F32, s, 0)
		}},
		{"cycle", func(g *Graph) {
			_, _ = g.AddOp("root", op.Noop, dtype.F32, s)
			_, _ = g.AddOp("a", op.Noop, dtype.F32, s, 0, 2)
			_, _ = g.AddOp("b", op.Noop, dtype.F32, s, 1)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newGraph(t, testConfig(2, errpolicy.FailFast))
			tc.build(g)
			assert.ErrorIs(t, g.Build(), errpolicy.ErrInvalidGraph)
			assert.ErrorIs(t, g.ResetState(), errpolicy.ErrInvalidGraph)
		})
	}
}

func TestInvalidGraphBestEffortRepairs(t *testing.T) {
	var logs bytes.Buffer
	cfg := testConfig(2, errpolicy.BestEffort)
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	g := newGraph(t, cfg)
	s := tensor.MustShape(1)

	root := mustAddOp(t, g, "root", op.Noop, s)
	bad := mustAddOp(t, g, "bad", op.Kind(42), s, root, 99)
	a := mustAddOp(t, g, "a", op.Noop, s, root, 4)
	short := mustAddOp(t, g, "short", op.Sub, s, root)
	b := mustAddOp(t, g, "b", op.Noop, s, a)

	require.NoError(t, g.Run())
	assertCompleted(t, g)

	assert.Equal(t, op.Noop, g.Record(bad).Kind)
	assert.Equal(t, []int{root}, g.Record(bad).Inputs)
	assert.Equal(t, op.Noop, g.Record(short).Kind)
	assert.Equal(t, []int{root}, g.Record(a).Inputs)
	assert.Empty(t, g.Record(b).Inputs)

	out := logs.String()
	assert.Contains(t, out, "out of range")
	assert.Contains(t, out, "unknown kind")
	assert.Contains(t, out, "cycle")
}

func TestKernelFailures(t *testing.T) {
	g := newGraph(t, testConfig(2, errpolicy.FailFast))
	x, err := g.AddParam(f32Param("x", tensor.MustShape(2), 1, 2))
	require.NoError(t, err)
	y, err := g.AddParam(f32Param("y", tensor.MustShape(3), 1, 2, 3))
	require.NoError(t, err)
	bad := mustAddOp(t, g, "bad", op.Add, tensor.MustShape(2), x, y)
	after := mustAddOp(t, g, "after", op.Add, tensor.MustShape(2), bad, x)

	err = g.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, errpolicy.ErrKernel)
	var kerr *errpolicy.KernelError
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, bad, kerr.Op)
	assert.Equal(t, "bad", kerr.Name)

	assertCompleted(t, g)
	assert.ErrorIs(t, g.Record(after).Err(), pool.ErrUpstream)
}

func TestKernelFailuresBestEffort(t *testing.T) {
	var logs bytes.Buffer
	cfg := testConfig(2, errpolicy.BestEffort)
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	g := newGraph(t, cfg)
	x, err := g.AddParam(f32Param("x", tensor.MustShape(2), 1, 2))
	require.NoError(t, err)
	y, err := g.AddParam(f32Param("y", tensor.MustShape(3), 1, 2, 3))
	require.NoError(t, err)
	mustAddOp(t, g, "bad", op.Add, tensor.MustShape(2), x, y)

	require.NoError(t, g.Run())
	assert.Contains(t, logs.String(), "shape mismatch")
}

func TestAddParamInPlace(t *testing.T) {
	g := newGraph(t, testConfig(1, errpolicy.FailFast))
	region, err := g.Device().Params().Claim(8)
	require.NoError(t, err)
	copy(tensor.Float32s(region), []float32{3, 4})

	i, err := g.AddParam(tensor.Desc{Name: "w", Type: dtype.F32, Shape: tensor.MustShape(2), Data: region})
	require.NoError(t, err)
	out, err := g.Output(i)
	require.NoError(t, err)
	assert.Same(t, &region[0], &out.Data[0])
	assert.Equal(t, 8, g.Device().Params().Offset())
}

func TestAddParamSizeMismatch(t *testing.T) {
	g := newGraph(t, testConfig(1, errpolicy.FailFast))
	_, err := g.AddParam(tensor.Desc{Name: "w", Type: dtype.F32, Shape: tensor.MustShape(2), Data: make([]byte, 3)})
	assert.ErrorIs(t, err, errpolicy.ErrInvalidGraph)
}

func TestOversizedShapesRejected(t *testing.T) {
	wraps := tensor.Shape{1 << 32, 1 << 32, 1, 1}
	for _, policy := range []errpolicy.Policy{errpolicy.FailFast, errpolicy.BestEffort} {
		t.Run(policy.String(), func(t *testing.T) {
			g := newGraph(t, testConfig(2, policy))

			i, err := g.AddParam(tensor.Desc{Name: "w", Type: dtype.F32, Shape: wraps})
			assert.Equal(t, -1, i)
			i2, err2 := g.AddOp("y", op.Add, dtype.F32, wraps)
			assert.Equal(t, -1, i2)
			if policy == errpolicy.FailFast {
				assert.ErrorIs(t, err, errpolicy.ErrInvalidGraph)
				assert.ErrorIs(t, err2, errpolicy.ErrInvalidGraph)
			} else {
				assert.NoError(t, err)
				assert.NoError(t, err2)
			}
			assert.Equal(t, 0, g.Len())
			assert.Equal(t, 0, g.Device().Tensors().Offset())
		})
	}
}

func TestDuplicateNames(t *testing.T) {
	g := newGraph(t, testConfig(1, errpolicy.FailFast))
	mustAddOp(t, g, "x", op.Noop, tensor.MustShape(1))
	_, err := g.AddOp("x", op.Noop, dtype.F32, tensor.MustShape(1))
	assert.ErrorIs(t, err, errpolicy.ErrInvalidGraph)

	be := newGraph(t, testConfig(1, errpolicy.BestEffort))
	first, err := be.AddOp("x", op.Noop, dtype.F32, tensor.MustShape(1))
	require.NoError(t, err)
	second, err := be.AddOp("x", op.Noop, dtype.F32, tensor.MustShape(1))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	got, ok := be.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestOutputErrors(t *testing.T) {
	g := newGraph(t, testConfig(1, errpolicy.FailFast))
	_, err := g.Output(0)
	assert.Error(t, err)
	_, err = g.OutputByName("nope")
	assert.Error(t, err)
}

func TestUnknownTier(t *testing.T) {
	cfg := testConfig(1, errpolicy.FailFast)
	cfg.Tier = "quantum"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestClosedGraph(t *testing.T) {
	g, err := New(testConfig(2, errpolicy.FailFast))
	require.NoError(t, err)
	mustAddOp(t, g, "a", op.Noop, tensor.MustShape(1))
	require.NoError(t, g.Close())

	assert.ErrorIs(t, g.ResetState(), errpolicy.ErrPoolShutdown)
}

func TestClosedGraphBestEffort(t *testing.T) {
	g, err := New(testConfig(2, errpolicy.BestEffort))
	require.NoError(t, err)
	require.NoError(t, g.Close())

	assert.NoError(t, g.ResetState())
}
