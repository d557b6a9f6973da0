package device

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opgraph/internal/cpuinfo"
	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/op"
)

func smallConfig() Config {
	return Config{
		Threads:      2,
		TensorBytes:  256,
		ScratchBytes: 64,
		ParamBytes:   128,
		Policy:       errpolicy.FailFast,
	}
}

func TestNewDevice(t *testing.T) {
	d, err := New(3, cpuinfo.TierVector, smallConfig())
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, 3, d.ID())
	assert.Equal(t, cpuinfo.TierVector, d.Tier())
	assert.Equal(t, 2, d.Threads())
	assert.Equal(t, 256, d.Tensors().Capacity())
	assert.Equal(t, 64, d.Scratch().Capacity())
	assert.Equal(t, 128, d.Params().Capacity())
	assert.Equal(t, "param", d.Params().Name())
}

func TestNewDeviceRejectsNegativeSize(t *testing.T) {
	cfg := smallConfig()
	cfg.ScratchBytes = -1
	_, err := New(0, cpuinfo.TierBase, cfg)
	assert.Error(t, err)
}

func TestDeviceRunsPass(t *testing.T) {
	d, err := New(0, cpuinfo.TierBase, smallConfig())
	require.NoError(t, err)
	defer d.Close()

	records := make([]op.Record, 3)
	for i := range records {
		records[i].Kind = op.Noop
	}
	// 0 -> 2, 1 -> 2
	records[0].Dependents = []int{2}
	records[1].Dependents = []int{2}
	records[2].Inputs = []int{0, 1}
	records[2].SetPredecessors(2)

	var ran atomic.Int32
	require.NoError(t, d.ResetState(records, func(int) error {
		ran.Add(1)
		return nil
	}))
	require.NoError(t, d.ExecuteTasks())
	assert.Equal(t, int32(3), ran.Load())
	for i := range records {
		assert.Equal(t, op.Completed, records[i].State())
	}
	assert.Equal(t, uint64(1), d.Stats().Passes)
}

func TestDeviceCloseReleasesArenas(t *testing.T) {
	d, err := New(0, cpuinfo.TierBase, smallConfig())
	require.NoError(t, err)
	_, err = d.Tensors().Claim(16)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	assert.Zero(t, d.Tensors().Capacity())
	assert.Zero(t, d.Params().Capacity())

	err = d.ResetState(nil, func(int) error { return nil })
	assert.ErrorIs(t, err, errpolicy.ErrPoolShutdown)
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(cpuinfo.TierWide, smallConfig())
	require.NoError(t, err)

	require.Len(t, r.Devices(), 1)
	assert.Same(t, r.Devices()[0], r.Primary())
	assert.Equal(t, cpuinfo.TierWide, r.Tier())
	assert.Equal(t, cpuinfo.TierWide, r.Primary().Tier())

	require.NoError(t, r.Close())
	assert.Empty(t, r.Devices())
	assert.Nil(t, r.Primary())
	require.NoError(t, r.Close())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Positive(t, cfg.Threads)
	assert.Equal(t, errpolicy.FailFast, cfg.Policy)
	assert.Greater(t, cfg.ParamBytes, cfg.TensorBytes)
}
