package errpolicy

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrOutOfMemory  = errors.New("arena out of memory")
	ErrInvalidGraph = errors.New("invalid operation graph")
	ErrPoolShutdown = errors.New("thread pool is shut down")
	ErrKernel       = errors.New("kernel failed")
)

// KernelError reports a kernel failure for one operation record.
type KernelError struct {
	Op   int    // Record index in the graph.
	Name string // Record name, may be empty.
	Err  error
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("op %d (%s): %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("op %d: %v", e.Op, e.Err)
}

// Unwrap lets errors.Is match both ErrKernel and the underlying cause.
func (e *KernelError) Unwrap() []error {
	return []error{ErrKernel, e.Err}
}
