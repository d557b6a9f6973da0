// Package device bundles a worker pool with the arenas its kernels use.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/born-ml/opgraph/internal/arena"
	"github.com/born-ml/opgraph/internal/cpuinfo"
	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/op"
	"github.com/born-ml/opgraph/internal/pool"
)

// Config sizes a device.
type Config struct {
	Threads      int // Worker goroutines. Zero means runtime.NumCPU().
	TensorBytes  int // Operation outputs.
	ScratchBytes int // Kernel temporaries.
	ParamBytes   int // Model weights.
	Policy       errpolicy.Policy
	Logger       *slog.Logger
}

// DefaultConfig returns a device with one worker per CPU, 64 MiB of tensor
// memory, 16 MiB of scratch and 256 MiB for parameters.
func DefaultConfig() Config {
	return Config{
		Threads:      runtime.NumCPU(),
		TensorBytes:  64 << 20,
		ScratchBytes: 16 << 20,
		ParamBytes:   256 << 20,
		Policy:       errpolicy.FailFast,
	}
}

// Device is one CPU execution backend: exactly one pool and three arenas.
type Device struct {
	id     int
	tier   cpuinfo.Tier
	logger *slog.Logger

	pool    *pool.Pool
	tensors *arena.Buffer
	scratch *arena.Buffer
	params  *arena.Buffer
}

// New allocates the arenas and starts the pool.
func New(id int, tier cpuinfo.Tier, cfg Config) (*Device, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	logger := cfg.Logger.With("device", id)

	d := &Device{
		id:      id,
		tier:    tier,
		logger:  logger,
		tensors: arena.New("tensor", cfg.Policy, logger),
		scratch: arena.New("scratch", cfg.Policy, logger),
		params:  arena.New("param", cfg.Policy, logger),
	}
	sizes := []struct {
		buf  *arena.Buffer
		size int
	}{
		{d.tensors, cfg.TensorBytes},
		{d.scratch, cfg.ScratchBytes},
		{d.params, cfg.ParamBytes},
	}
	for _, s := range sizes {
		if err := s.buf.Init(s.size); err != nil {
			return nil, fmt.Errorf("device %d: %w", id, err)
		}
	}

	d.pool = pool.New(pool.Config{Threads: cfg.Threads, Logger: logger})
	logger.Debug("device ready",
		"tier", tier, "threads", cfg.Threads,
		"tensor_bytes", cfg.TensorBytes, "scratch_bytes", cfg.ScratchBytes, "param_bytes", cfg.ParamBytes)
	return d, nil
}

// ID returns the device index within its registry.
func (d *Device) ID() int { return d.id }

// Tier returns the kernel tier this device was built for.
func (d *Device) Tier() cpuinfo.Tier { return d.tier }

// Threads returns the number of pool workers.
func (d *Device) Threads() int { return d.pool.Threads() }

// Tensors returns the arena for operation outputs.
func (d *Device) Tensors() *arena.Buffer { return d.tensors }

// Scratch returns the arena for kernel temporaries.
func (d *Device) Scratch() *arena.Buffer { return d.scratch }

// Params returns the arena for model weights.
func (d *Device) Params() *arena.Buffer { return d.params }

// Stats returns the pool counters.
func (d *Device) Stats() pool.Stats { return d.pool.Stats() }

// ResetState seeds one pass on the pool.
func (d *Device) ResetState(records []op.Record, run pool.Runner) error {
	return d.pool.ResetState(records, run)
}

// ExecuteTasks runs the seeded pass to completion.
func (d *Device) ExecuteTasks() error {
	return d.pool.ExecuteTasks()
}

// Close stops the pool and releases every arena.
func (d *Device) Close() error {
	err := d.pool.Close()
	d.tensors.Release()
	d.scratch.Release()
	d.params.Release()
	return err
}

// Registry owns the devices of one backend kind. Today that is always a
// single CPU device.
type Registry struct {
	tier    cpuinfo.Tier
	devices []*Device
}

// NewRegistry creates the registry and its CPU device.
func NewRegistry(tier cpuinfo.Tier, cfg Config) (*Registry, error) {
	d, err := New(0, tier, cfg)
	if err != nil {
		return nil, err
	}
	return &Registry{tier: tier, devices: []*Device{d}}, nil
}

// Tier returns the tier shared by every device in the registry.
func (r *Registry) Tier() cpuinfo.Tier { return r.tier }

// Devices returns the registered devices.
func (r *Registry) Devices() []*Device { return r.devices }

// Primary returns the first device.
func (r *Registry) Primary() *Device {
	if len(r.devices) == 0 {
		return nil
	}
	return r.devices[0]
}

// Close closes every device. Closing twice is a no-op.
func (r *Registry) Close() error {
	var errs []error
	for _, d := range r.devices {
		errs = append(errs, d.Close())
	}
	r.devices = nil
	return errors.Join(errs...)
}
