// Package op defines operation records, the nodes of the static compute graph.
package op

import (
	"fmt"
	"sync/atomic"

	"github.com/born-ml/opgraph/internal/tensor"
)

// Kind identifies the compute an operation performs.
type Kind uint32

// Operation kinds.
const (
	Unset Kind = iota
	Noop
	MatMul
	Add
	Sub
	kindCount
)

var kindNames = [...]string{
	Unset:  "unset",
	Noop:   "noop",
	MatMul: "mul_mat",
	Add:    "add",
	Sub:    "sub",
}

// String returns the kind name.
func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", uint32(k))
}

// Valid reports whether k names a runnable operation.
func (k Kind) Valid() bool {
	return k > Unset && k < kindCount
}

// Arity returns the number of operands the kind consumes.
func (k Kind) Arity() int {
	switch k {
	case MatMul, Add, Sub:
		return 2
	default:
		return 0
	}
}

// ParseKind converts a kind name into a Kind.
func ParseKind(name string) (Kind, error) {
	for k := Noop; k < kindCount; k++ {
		if kindNames[k] == name {
			return k, nil
		}
	}
	if name == "matmul" {
		return MatMul, nil
	}
	return Unset, fmt.Errorf("unknown op kind %q", name)
}

// State is the lifecycle position of a record within one pass.
type State int32

// Record states. A record moves strictly forward through them once per pass.
const (
	Unscheduled State = iota
	Ready
	Claimed
	Running
	Completed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unscheduled:
		return "unscheduled"
	case Ready:
		return "ready"
	case Claimed:
		return "claimed"
	case Running:
		return "running"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Record is one node of the dependency graph.
//
// Records hold atomics and must not be copied once built; refer to them by
// index into the owning table.
type Record struct {
	Name       string
	Kind       Kind
	Depth      int   // Topological level, 0 when there are no predecessors.
	Inputs     []int // Operand record indices, in operand order.
	Dependents []int // Records that wait on this one, without duplicates.
	Output     tensor.Desc

	preds   int
	counter atomic.Int64
	state   atomic.Int32

	upstreamFailed atomic.Bool
	err            error
}

// SetPredecessors records how many distinct records must fire before this one is ready.
func (r *Record) SetPredecessors(n int) { r.preds = n }

// Predecessors returns the number of distinct predecessors.
func (r *Record) Predecessors() int { return r.preds }

// Reset seeds the record for a new pass. The readiness counter starts at
// minus the predecessor count and reaches zero when the last one fires.
// It reports whether the record is immediately ready.
func (r *Record) Reset() bool {
	r.counter.Store(-int64(r.preds))
	r.upstreamFailed.Store(false)
	r.err = nil
	if r.preds == 0 {
		r.state.Store(int32(Ready))
		return true
	}
	r.state.Store(int32(Unscheduled))
	return false
}

// Fire counts one predecessor completion. It returns true for exactly one
// caller: the one whose increment brings the counter to zero, which also
// moves the record to Ready.
func (r *Record) Fire() bool {
	if r.counter.Add(1) != 0 {
		return false
	}
	r.state.Store(int32(Ready))
	return true
}

// TryClaim moves the record from Ready to Claimed. Only one caller wins.
func (r *Record) TryClaim() bool {
	return r.state.CompareAndSwap(int32(Ready), int32(Claimed))
}

// Start marks a claimed record as running.
func (r *Record) Start() { r.state.Store(int32(Running)) }

// Complete marks the record as completed with the kernel result.
// err must be set before the record fires its dependents.
func (r *Record) Complete(err error) {
	r.err = err
	r.state.Store(int32(Completed))
}

// MarkUpstreamFailed flags that a predecessor failed.
func (r *Record) MarkUpstreamFailed() { r.upstreamFailed.Store(true) }

// UpstreamFailed reports whether any predecessor failed in this pass.
func (r *Record) UpstreamFailed() bool { return r.upstreamFailed.Load() }

// State returns the current state.
func (r *Record) State() State { return State(r.state.Load()) }

// Counter returns the readiness counter.
func (r *Record) Counter() int64 { return r.counter.Load() }

// Err returns the kernel error of the last pass. Only valid once the pass has finished.
func (r *Record) Err() error { return r.err }
