// Package graphdef reads operation graph descriptions written in HCL.
//
// A description declares input tensors and operations by name:
//
//	input "x" {
//	  shape = [hparams.embedding_length]
//	}
//
//	op "y" {
//	  kind   = "mul_mat"
//	  inputs = ["x", "blk.0.weight"]
//	}
//
//	outputs = ["y"]
//
// Operation inputs may name other inputs, other operations, or model
// tensors. Expressions can read model hyperparameters through the variables
// passed to Parse; shapes left out are inferred when the graph is built.
package graphdef

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/born-ml/opgraph/internal/ctxlog"
	"github.com/born-ml/opgraph/internal/dtype"
	"github.com/born-ml/opgraph/internal/op"
)

// Extension is the file suffix Load looks for in directories.
const Extension = ".hcl"

// Def is a decoded graph description.
type Def struct {
	Inputs  []Input
	Ops     []Op
	Outputs []string
}

// Input is a leaf tensor the caller fills before running.
type Input struct {
	Name  string
	Shape []int
	Type  dtype.Type
}

// Op is one operation. A nil Shape means infer it from the operands.
type Op struct {
	Name   string
	Kind   op.Kind
	Inputs []string
	Shape  []int
	Type   dtype.Type
}

// hclFile is the top-level structure of a description file for decoding.
type hclFile struct {
	Inputs  []*hclInput `hcl:"input,block"`
	Ops     []*hclOp    `hcl:"op,block"`
	Outputs []string    `hcl:"outputs,optional"`
}

type hclInput struct {
	Name  string `hcl:"name,label"`
	Shape []int  `hcl:"shape"`
	DType string `hcl:"dtype,optional"`
}

type hclOp struct {
	Name   string   `hcl:"name,label"`
	Kind   string   `hcl:"kind"`
	Inputs []string `hcl:"inputs,optional"`
	Shape  []int    `hcl:"shape,optional"`
	DType  string   `hcl:"dtype,optional"`
}

// Parse decodes one description. vars become top-level variables in every
// expression, e.g. {"hparams": cty.ObjectVal(...)}.
func Parse(src []byte, filename string, vars map[string]cty.Value) (*Def, error) {
	def, err := parse(hclparse.NewParser(), src, filename, vars)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return def, nil
}

func parse(parser *hclparse.Parser, src []byte, filename string, vars map[string]cty.Value) (*Def, error) {
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse graph file %s: %w", filename, diags)
	}

	var parsed hclFile
	evalCtx := &hcl.EvalContext{Variables: vars}
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode graph file %s: %w", filename, diags)
	}

	def := &Def{Outputs: parsed.Outputs}
	for _, in := range parsed.Inputs {
		typ, err := parseType(in.DType)
		if err != nil {
			return nil, fmt.Errorf("%s: input %q: %w", filename, in.Name, err)
		}
		def.Inputs = append(def.Inputs, Input{Name: in.Name, Shape: in.Shape, Type: typ})
	}
	for _, o := range parsed.Ops {
		kind, err := op.ParseKind(o.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s: op %q: %w", filename, o.Name, err)
		}
		typ, err := parseType(o.DType)
		if err != nil {
			return nil, fmt.Errorf("%s: op %q: %w", filename, o.Name, err)
		}
		def.Ops = append(def.Ops, Op{Name: o.Name, Kind: kind, Inputs: o.Inputs, Shape: o.Shape, Type: typ})
	}
	return def, nil
}

func parseType(name string) (dtype.Type, error) {
	if name == "" {
		return dtype.F32, nil
	}
	return dtype.Parse(name)
}

// Load reads a description from path. A directory is searched recursively
// for files ending in Extension and their contents are merged in path order.
func Load(ctx context.Context, path string, vars map[string]cty.Value) (*Def, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading graph description", "path", path)

	files, err := findFiles(path)
	if err != nil {
		return nil, fmt.Errorf("failed to find graph files in %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no %s files found in %s", Extension, path)
	}

	parser := hclparse.NewParser()
	merged := &Def{}
	for _, f := range files {
		src, err := os.ReadFile(f) //nolint:gosec // G304: path comes from the caller
		if err != nil {
			return nil, err
		}
		def, err := parse(parser, src, f, vars)
		if err != nil {
			return nil, err
		}
		merged.Inputs = append(merged.Inputs, def.Inputs...)
		merged.Ops = append(merged.Ops, def.Ops...)
		merged.Outputs = append(merged.Outputs, def.Outputs...)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("Graph description loaded", "files", len(files), "inputs", len(merged.Inputs), "ops", len(merged.Ops))
	return merged, nil
}

func findFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), Extension) {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// Validate checks that names are unique and that outputs refer to
// declared inputs or ops. Operands are not checked here because they may
// name model tensors.
func (d *Def) Validate() error {
	seen := make(map[string]bool, len(d.Inputs)+len(d.Ops))
	for _, in := range d.Inputs {
		if seen[in.Name] {
			return fmt.Errorf("duplicate declaration %q", in.Name)
		}
		seen[in.Name] = true
	}
	for _, o := range d.Ops {
		if seen[o.Name] {
			return fmt.Errorf("duplicate declaration %q", o.Name)
		}
		seen[o.Name] = true
	}
	for _, out := range d.Outputs {
		if !seen[out] {
			return fmt.Errorf("output %q is not declared", out)
		}
	}
	return nil
}
