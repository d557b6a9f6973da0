// Package graph is the top-level handle for building and running an
// operation graph on a CPU device.
//
// A Graph is built once (AddParam / AddOp, then Build), and then driven one
// pass at a time with ResetState and ExecuteTasks. The kernel tier is picked
// when the graph is created and never changes afterwards.
package graph

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/born-ml/opgraph/internal/arena"
	"github.com/born-ml/opgraph/internal/cpuinfo"
	"github.com/born-ml/opgraph/internal/device"
	"github.com/born-ml/opgraph/internal/dtype"
	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/kernels"
	"github.com/born-ml/opgraph/internal/op"
	"github.com/born-ml/opgraph/internal/pool"
	"github.com/born-ml/opgraph/internal/tensor"
)

// ErrBuilt is returned when the graph is modified after Build.
var ErrBuilt = errors.New("graph: already built")

// Config controls graph construction.
type Config struct {
	Threads int              // Worker goroutines. Zero means runtime.NumCPU().
	Policy  errpolicy.Policy // Applied to build, arena and pool errors alike.
	Tier    string           // Kernel tier name; "" or "auto" detects it.

	TensorBytes  int
	ScratchBytes int
	ParamBytes   int

	Logger *slog.Logger
}

// DefaultConfig returns the device defaults with tier detection.
func DefaultConfig() Config {
	d := device.DefaultConfig()
	return Config{
		Threads:      d.Threads,
		Policy:       d.Policy,
		Tier:         "auto",
		TensorBytes:  d.TensorBytes,
		ScratchBytes: d.ScratchBytes,
		ParamBytes:   d.ParamBytes,
	}
}

// Graph owns the operation records and the device that runs them.
type Graph struct {
	policy errpolicy.Policy
	logger *slog.Logger

	tier     cpuinfo.Tier
	registry *device.Registry
	dev      *device.Device
	kernels  *kernels.Set

	records  []op.Record
	names    map[string]int
	funcs    []kernels.Func
	operands [][]*tensor.Desc
	built    bool
}

// New resolves the kernel tier and brings up the device for it.
func New(cfg Config) (*Graph, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tier, err := cpuinfo.Resolve(cfg.Tier)
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}

	registry, err := device.NewRegistry(tier, device.Config{
		Threads:      cfg.Threads,
		TensorBytes:  cfg.TensorBytes,
		ScratchBytes: cfg.ScratchBytes,
		ParamBytes:   cfg.ParamBytes,
		Policy:       cfg.Policy,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	cfg.Logger.Debug("backend selected", "tier", tier, "threads", registry.Primary().Threads())

	return &Graph{
		policy:   cfg.Policy,
		logger:   cfg.Logger,
		tier:     tier,
		registry: registry,
		dev:      registry.Primary(),
		kernels:  kernels.ForTier(tier),
		names:    make(map[string]int),
	}, nil
}

// Tier returns the kernel tier chosen at construction.
func (g *Graph) Tier() cpuinfo.Tier { return g.tier }

// Logger returns the graph's logger.
func (g *Graph) Logger() *slog.Logger { return g.logger }

// Device returns the device the graph runs on.
func (g *Graph) Device() *device.Device { return g.dev }

// Len returns the number of records.
func (g *Graph) Len() int { return len(g.records) }

// Record returns the record at index i.
func (g *Graph) Record(i int) *op.Record { return &g.records[i] }

// Stats returns the scheduler counters of the device pool.
func (g *Graph) Stats() pool.Stats { return g.dev.Stats() }

// Lookup returns the index of the record named name.
func (g *Graph) Lookup(name string) (int, bool) {
	i, ok := g.names[name]
	return i, ok
}

// AddParam adds a leaf tensor held in the parameter arena. Data that already
// lives in that arena is used in place; anything else is copied into a fresh
// claim. A nil Data claims zeroed storage.
//
// Like AddOp it returns the record index, or -1 when the tensor was rejected.
func (g *Graph) AddParam(desc tensor.Desc) (int, error) {
	if err := g.checkAdd(desc.Name, desc.Type, desc.Shape); err != nil {
		return -1, g.policy.Report(g.logger, err, "tensor", desc.Name)
	}
	want := desc.ByteSize()
	if n := len(desc.Data); n != 0 && n != want {
		err := fmt.Errorf("%w: param %s has %d bytes, %s%s needs %d",
			errpolicy.ErrInvalidGraph, desc.Name, n, desc.Type, desc.Shape, want)
		if err := g.policy.Report(g.logger, err, "tensor", desc.Name); err != nil {
			return -1, err
		}
		desc.Data = nil
	}

	params := g.dev.Params()
	if desc.Data == nil || !params.Contains(desc.Data) {
		data, err := claim(params, want)
		if err != nil {
			return -1, fmt.Errorf("param %s: %w", desc.Name, err)
		}
		copy(data, desc.Data)
		desc.Data = data
	}
	i, r := g.add(desc.Name)
	r.Kind = op.Noop
	r.Output = desc
	return i, nil
}

// AddOp adds an operation whose output of the given type and shape is
// claimed from the tensor arena. inputs are record indices in operand order
// and may refer to records added later; Build validates them.
func (g *Graph) AddOp(name string, kind op.Kind, typ dtype.Type, shape tensor.Shape, inputs ...int) (int, error) {
	if err := g.checkAdd(name, typ, shape); err != nil {
		return -1, g.policy.Report(g.logger, err, "op", name)
	}
	out := tensor.Desc{Name: name, Type: typ, Shape: shape}
	data, err := claim(g.dev.Tensors(), out.ByteSize())
	if err != nil {
		return -1, fmt.Errorf("op %s: %w", name, err)
	}
	out.Data = data
	i, r := g.add(name)
	r.Kind = kind
	r.Inputs = append([]int(nil), inputs...)
	r.Output = out
	return i, nil
}

func (g *Graph) checkAdd(name string, typ dtype.Type, shape tensor.Shape) error {
	if g.built {
		return ErrBuilt
	}
	if _, dup := g.names[name]; dup {
		// A duplicate keeps resolving to the first record.
		err := fmt.Errorf("%w: duplicate tensor name %q", errpolicy.ErrInvalidGraph, name)
		if err := g.policy.Report(g.logger, err, "tensor", name); err != nil {
			return err
		}
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: tensor %s has unknown dtype %d", errpolicy.ErrInvalidGraph, name, uint32(typ))
	}
	if err := shape.Validate(); err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	return nil
}

// add appends an empty record named name and returns it for filling in.
func (g *Graph) add(name string) (int, *op.Record) {
	i := len(g.records)
	if _, dup := g.names[name]; !dup && name != "" {
		g.names[name] = i
	}
	g.records = append(g.records, op.Record{Name: name})
	return i, &g.records[i]
}

// claim takes n bytes from b on a cache line boundary.
func claim(b *arena.Buffer, n int) ([]byte, error) {
	return b.ClaimAligned(n, arena.CacheLineSize)
}

// ResetState seeds one pass, building the graph first if needed.
func (g *Graph) ResetState() error {
	if !g.built {
		if err := g.Build(); err != nil {
			return err
		}
	}
	if err := g.dev.ResetState(g.records, g.run); err != nil {
		return g.policy.Report(g.logger, fmt.Errorf("reset: %w", err))
	}
	return nil
}

// ExecuteTasks runs the seeded pass and blocks until it completes.
//
// Under FailFast the kernel failures of the pass are returned joined, each
// as a *errpolicy.KernelError. Under BestEffort they are logged and the
// outputs of the failed records and their dependents are left as they are.
func (g *Graph) ExecuteTasks() error {
	if err := g.dev.ExecuteTasks(); err != nil {
		return g.policy.Report(g.logger, fmt.Errorf("execute: %w", err))
	}

	var errs []error
	skipped := 0
	for i := range g.records {
		err := g.records[i].Err()
		switch {
		case err == nil:
		case errors.Is(err, pool.ErrUpstream):
			skipped++
		default:
			errs = append(errs, &errpolicy.KernelError{Op: i, Name: g.records[i].Name, Err: err})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	g.logger.Debug("pass had failures", "failed", len(errs), "skipped", skipped)
	if g.policy == errpolicy.BestEffort {
		for _, err := range errs {
			_ = g.policy.Report(g.logger, err)
		}
		return nil
	}
	return errors.Join(errs...)
}

// Run is ResetState followed by ExecuteTasks.
func (g *Graph) Run() error {
	if err := g.ResetState(); err != nil {
		return err
	}
	return g.ExecuteTasks()
}

func (g *Graph) run(i int) error {
	return g.funcs[i](&g.records[i].Output, g.operands[i])
}

// Output returns the output tensor of record i. Its Data aliases arena
// memory and is only meaningful after a completed pass.
func (g *Graph) Output(i int) (tensor.Desc, error) {
	if i < 0 || i >= len(g.records) {
		return tensor.Desc{}, fmt.Errorf("graph: output %d out of range [0, %d)", i, len(g.records))
	}
	return g.records[i].Output, nil
}

// OutputByName returns the output tensor of the record named name.
func (g *Graph) OutputByName(name string) (tensor.Desc, error) {
	i, ok := g.names[name]
	if !ok {
		return tensor.Desc{}, fmt.Errorf("graph: no tensor named %q", name)
	}
	return g.records[i].Output, nil
}

// Close stops the device pool and releases the arenas. Outputs become invalid.
func (g *Graph) Close() error {
	return g.registry.Close()
}
