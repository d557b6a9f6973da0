// Package model builds a runnable operation graph from a GGUF model file
// and an HCL graph description.
package model

import (
	"context"
	"fmt"
	"os"

	"github.com/x448/float16"
	"github.com/zclconf/go-cty/cty"

	"github.com/born-ml/opgraph/internal/arena"
	"github.com/born-ml/opgraph/internal/ctxlog"
	"github.com/born-ml/opgraph/internal/dtype"
	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/gguf"
	"github.com/born-ml/opgraph/internal/graph"
	"github.com/born-ml/opgraph/internal/graphdef"
	"github.com/born-ml/opgraph/internal/op"
	"github.com/born-ml/opgraph/internal/tensor"
)

// Model is a loaded model file plus the graph built over its tensors.
type Model struct {
	File    *gguf.File
	HParams gguf.HParams
	Def     *graphdef.Def
	Graph   *graph.Graph
}

// Vars returns the variables a graph description can use: "hparams" holds
// the well-known hyperparameters, "meta" every metadata key of the file.
func Vars(f *gguf.File, hp gguf.HParams) map[string]cty.Value {
	return map[string]cty.Value{
		"hparams": graphdef.Object(map[string]any{
			"architecture":         hp.Architecture,
			"block_count":          hp.BlockCount,
			"context_length":       hp.ContextLength,
			"embedding_length":     hp.EmbeddingLength,
			"feed_forward_length":  hp.FeedForwardLength,
			"head_count":           hp.HeadCount,
			"head_count_kv":        hp.HeadCountKV,
			"rope_dimension_count": hp.RopeDimensionCount,
			"vocab_size":           hp.VocabSize,
			"file_type":            hp.FileType,
			"quantization_version": hp.QuantizationVersion,
			"rms_norm_epsilon":     hp.RMSNormEpsilon,
			"rope_freq_base":       hp.RopeFreqBase,
		}),
		"meta": graphdef.Object(f.Metadata),
	}
}

// Load parses the model at modelPath and the description at graphPath and
// builds the graph. Zero arena sizes in cfg are computed from the file and
// the description.
func Load(ctx context.Context, modelPath, graphPath string, cfg graph.Config) (*Model, error) {
	logger := ctxlog.FromContext(ctx)

	file, err := gguf.ParseFile(modelPath)
	if err != nil {
		return nil, err
	}
	hp, err := file.HParams()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modelPath, err)
	}
	def, err := graphdef.Load(ctx, graphPath, Vars(file, hp))
	if err != nil {
		return nil, err
	}

	shapes, err := inferShapes(file, def)
	if err != nil {
		return nil, err
	}
	if cfg.ParamBytes == 0 {
		if cfg.ParamBytes, err = file.TotalTensorBytes(); err != nil {
			return nil, err
		}
	}
	if cfg.TensorBytes == 0 {
		cfg.TensorBytes = tensorBytes(def, shapes)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}

	g, err := graph.New(cfg)
	if err != nil {
		return nil, err
	}
	m := &Model{File: file, HParams: hp, Def: def, Graph: g}
	if err := m.build(ctx, cfg.Policy, shapes); err != nil {
		_ = g.Close()
		return nil, err
	}
	logger.Info("model loaded",
		"model", modelPath, "architecture", hp.Architecture,
		"tensors", len(file.TensorInfo), "ops", len(def.Ops), "tier", g.Tier())
	return m, nil
}

func (m *Model) build(ctx context.Context, policy errpolicy.Policy, shapes map[string]tensor.Shape) error {
	g := m.Graph

	fd, err := os.Open(m.File.FilePath)
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	defer func() {
		_ = fd.Close()
	}()
	params, err := gguf.Load(ctx, m.File, fd, g.Device().Params())
	if err != nil {
		return err
	}

	// Records are indexed in insertion order, so every name's index is
	// known before any op is added and operands may point forward.
	index := make(map[string]int, len(params)+len(m.Def.Inputs)+len(m.Def.Ops))
	for _, p := range params {
		index[p.Name] = len(index)
	}
	for _, in := range m.Def.Inputs {
		index[in.Name] = len(index)
	}
	for _, o := range m.Def.Ops {
		index[o.Name] = len(index)
	}

	for _, p := range params {
		if _, err := g.AddParam(p); err != nil {
			return err
		}
	}
	for _, in := range m.Def.Inputs {
		if _, err := g.AddOp(in.Name, op.Noop, in.Type, shapes[in.Name]); err != nil {
			return err
		}
	}
	for _, o := range m.Def.Ops {
		inputs := make([]int, len(o.Inputs))
		for k, name := range o.Inputs {
			i, ok := index[name]
			if !ok {
				err := fmt.Errorf("%w: op %s: unknown operand %q", errpolicy.ErrInvalidGraph, o.Name, name)
				if err := policy.Report(g.Logger(), err, "op", o.Name); err != nil {
					return err
				}
				i = -1
			}
			inputs[k] = i
		}
		if _, err := g.AddOp(o.Name, o.Kind, o.Type, shapes[o.Name], inputs...); err != nil {
			return err
		}
	}
	return g.Build()
}

// inferShapes resolves the shape of every declared tensor. Explicit shapes
// win; otherwise add and sub take their first operand's shape and mul_mat
// takes B's row length and A's rows.
func inferShapes(file *gguf.File, def *graphdef.Def) (map[string]tensor.Shape, error) {
	shapes := make(map[string]tensor.Shape)
	for i := range file.TensorInfo {
		s, err := file.TensorInfo[i].Shape()
		if err != nil {
			return nil, err
		}
		shapes[file.TensorInfo[i].Name] = s
	}
	for _, in := range def.Inputs {
		s, err := tensor.NewShape(in.Shape...)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		shapes[in.Name] = s
	}

	pending := make([]graphdef.Op, 0, len(def.Ops))
	for _, o := range def.Ops {
		if o.Shape != nil {
			s, err := tensor.NewShape(o.Shape...)
			if err != nil {
				return nil, fmt.Errorf("op %s: %w", o.Name, err)
			}
			shapes[o.Name] = s
			continue
		}
		pending = append(pending, o)
	}

	for len(pending) > 0 {
		next := pending[:0]
		for _, o := range pending {
			s, ok, err := opShape(o, shapes)
			if err != nil {
				return nil, err
			}
			if ok {
				shapes[o.Name] = s
			} else {
				next = append(next, o)
			}
		}
		if len(next) == len(pending) {
			return nil, fmt.Errorf("%w: cannot infer the shape of op %s", errpolicy.ErrInvalidGraph, next[0].Name)
		}
		pending = next
	}
	return shapes, nil
}

func opShape(o graphdef.Op, shapes map[string]tensor.Shape) (tensor.Shape, bool, error) {
	operands := make([]tensor.Shape, len(o.Inputs))
	for i, name := range o.Inputs {
		s, ok := shapes[name]
		if !ok {
			return tensor.Shape{}, false, nil
		}
		operands[i] = s
	}
	if len(operands) == 0 {
		return tensor.Shape{}, false, fmt.Errorf("%w: op %s has no operands and no shape", errpolicy.ErrInvalidGraph, o.Name)
	}
	if o.Kind == op.MatMul && len(operands) == 2 {
		a, b := operands[0], operands[1]
		return tensor.Shape{b.Cols(), a[1], a[2], a[3]}, true, nil
	}
	return operands[0], true, nil
}

// tensorBytes sizes the tensor arena for every input and op output,
// each starting on its own cache line.
func tensorBytes(def *graphdef.Def, shapes map[string]tensor.Shape) int {
	size := func(t dtype.Type, s tensor.Shape) int {
		n := t.ByteSize(s.NumElements())
		return (n + arena.CacheLineSize - 1) &^ (arena.CacheLineSize - 1)
	}
	total := 0
	for _, in := range def.Inputs {
		total += size(in.Type, shapes[in.Name])
	}
	for _, o := range def.Ops {
		total += size(o.Type, shapes[o.Name])
	}
	return total
}

// SetInput copies vals into the named tensor, converting to its type.
func (m *Model) SetInput(name string, vals []float32) error {
	d, err := m.Graph.OutputByName(name)
	if err != nil {
		return err
	}
	if len(vals) != d.Shape.NumElements() {
		return fmt.Errorf("input %s: got %d values, shape %s holds %d", name, len(vals), d.Shape, d.Shape.NumElements())
	}
	switch d.Type {
	case dtype.F32:
		copy(d.AsFloat32(), vals)
	case dtype.F16:
		h := d.AsFloat16()
		for i, v := range vals {
			h[i] = float16.Fromfloat32(v)
		}
	default:
		return fmt.Errorf("input %s: cannot set %s values", name, d.Type)
	}
	return nil
}

// Run executes one pass.
func (m *Model) Run() error {
	return m.Graph.Run()
}

// Outputs returns the tensors listed in the description's outputs, or the
// last op when none are listed.
func (m *Model) Outputs() ([]tensor.Desc, error) {
	names := m.Def.Outputs
	if len(names) == 0 && len(m.Def.Ops) > 0 {
		names = []string{m.Def.Ops[len(m.Def.Ops)-1].Name}
	}
	out := make([]tensor.Desc, 0, len(names))
	for _, name := range names {
		d, err := m.Graph.OutputByName(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Close releases the graph and its device.
func (m *Model) Close() error {
	return m.Graph.Close()
}
