package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/kernels"
	"github.com/born-ml/opgraph/internal/op"
	"github.com/born-ml/opgraph/internal/tensor"
)

// Build validates the graph and derives the scheduling data: dependents,
// predecessor counts, depths and the kernel of every record.
//
// Under FailFast any problem aborts the build with an error wrapping
// errpolicy.ErrInvalidGraph. Under BestEffort each problem is logged and
// repaired: bad edges are dropped, unknown kinds and wrong arities become
// no-ops, and records caught in a cycle lose their incoming edges.
func (g *Graph) Build() error {
	if g.built {
		return nil
	}
	n := len(g.records)

	var problems []error
	report := func(err error, i int) {
		err = fmt.Errorf("%w: %w", errpolicy.ErrInvalidGraph, err)
		problems = append(problems, err)
		_ = g.policy.Report(g.logger, err, "op", i, "name", g.records[i].Name)
	}

	repair := g.policy == errpolicy.BestEffort
	for i := range g.records {
		r := &g.records[i]
		inputs := make([]int, 0, len(r.Inputs))
		for _, in := range r.Inputs {
			if in < 0 || in >= n || in == i {
				report(fmt.Errorf("op %s: input index %d out of range", r.Name, in), i)
				continue
			}
			inputs = append(inputs, in)
		}
		kind := r.Kind
		if !kind.Valid() {
			report(fmt.Errorf("op %s: unknown kind %s", r.Name, kind), i)
			kind = op.Noop
		}
		if want := kind.Arity(); kind != op.Noop && len(inputs) != want {
			report(fmt.Errorf("op %s: %s takes %d operands, got %d", r.Name, kind, want, len(inputs)), i)
			kind = op.Noop
		}
		if repair {
			r.Inputs, r.Kind = inputs, kind
		}
	}
	if err := g.fail(problems); err != nil {
		return err
	}

	g.link()
	if cycle := g.computeDepths(); len(cycle) > 0 {
		names := make([]string, len(cycle))
		for k, i := range cycle {
			names[k] = g.records[i].Name
		}
		err := fmt.Errorf("%w: %d ops are on or behind a cycle: %v", errpolicy.ErrInvalidGraph, len(cycle), names)
		if err := g.policy.Report(g.logger, err); err != nil {
			return err
		}
		g.breakCycles(cycle)
		g.link()
		if rest := g.computeDepths(); len(rest) > 0 {
			return fmt.Errorf("%w: cycle could not be removed", errpolicy.ErrInvalidGraph)
		}
	}

	g.funcs = make([]kernels.Func, n)
	g.operands = make([][]*tensor.Desc, n)
	for i := range g.records {
		r := &g.records[i]
		f, err := g.kernels.Lookup(r.Kind)
		if err != nil {
			return err
		}
		g.funcs[i] = f
		ops := make([]*tensor.Desc, len(r.Inputs))
		for k, in := range r.Inputs {
			ops[k] = &g.records[in].Output
		}
		g.operands[i] = ops
	}

	g.built = true
	g.logger.Debug("graph built", "records", n, "tier", g.tier)
	return nil
}

// fail turns the collected problems into the build error under FailFast.
func (g *Graph) fail(problems []error) error {
	if len(problems) == 0 || g.policy == errpolicy.BestEffort {
		return nil
	}
	return errors.Join(problems...)
}

// link rebuilds Dependents and predecessor counts from Inputs. An input used
// twice by one record counts as a single predecessor.
func (g *Graph) link() {
	for i := range g.records {
		g.records[i].Dependents = g.records[i].Dependents[:0]
	}
	for i := range g.records {
		r := &g.records[i]
		preds := 0
		for k, in := range r.Inputs {
			if slices.Contains(r.Inputs[:k], in) {
				continue
			}
			preds++
			g.records[in].Dependents = append(g.records[in].Dependents, i)
		}
		r.SetPredecessors(preds)
	}
}

// computeDepths assigns each record its topological level with Kahn's
// algorithm. It returns the records that were never reached, which are the
// members of a cycle plus everything downstream of one.
func (g *Graph) computeDepths() []int {
	n := len(g.records)
	pending := make([]int, n)
	queue := make([]int, 0, n)
	for i := range g.records {
		g.records[i].Depth = 0
		pending[i] = g.records[i].Predecessors()
		if pending[i] == 0 {
			queue = append(queue, i)
		}
	}
	for head := 0; head < len(queue); head++ {
		r := &g.records[queue[head]]
		for _, d := range r.Dependents {
			dep := &g.records[d]
			dep.Depth = max(dep.Depth, r.Depth+1)
			if pending[d]--; pending[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(queue) == n {
		return nil
	}
	var stuck []int
	for i := range pending {
		if pending[i] > 0 {
			stuck = append(stuck, i)
		}
	}
	return stuck
}

// breakCycles drops every edge between two stuck records. Edges from
// reachable records are kept, so the rest of the graph still orders.
func (g *Graph) breakCycles(stuck []int) {
	isStuck := make(map[int]bool, len(stuck))
	for _, i := range stuck {
		isStuck[i] = true
	}
	for _, i := range stuck {
		r := &g.records[i]
		r.Inputs = slices.DeleteFunc(r.Inputs, func(in int) bool { return isStuck[in] })
		if r.Kind != op.Noop && len(r.Inputs) != r.Kind.Arity() {
			r.Kind = op.Noop
		}
	}
}
