// Package parallel splits a row range across goroutines inside a single kernel.
//
// The scheduler already runs independent operations concurrently; this is
// for one large operation whose rows can be computed independently.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls row splitting.
type Config struct {
	Workers int // Maximum goroutines per call.
	MinRows int // Rows below which the call stays on the caller's goroutine.
}

// DefaultConfig returns one worker per CPU and a 16-row minimum chunk.
func DefaultConfig() Config {
	return Config{
		Workers: runtime.NumCPU(),
		MinRows: 16,
	}
}

// Rows calls f(lo, hi) over disjoint half-open ranges covering [0, n).
// Falls back to one call on the current goroutine when n is small or
// only one worker is allowed.
//
// A panic in any chunk is re-raised on the caller's goroutine once every
// chunk has returned.
func Rows(n int, cfg Config, f func(lo, hi int)) {
	if n <= 0 {
		return
	}
	minRows := max(cfg.MinRows, 1)
	if cfg.Workers <= 1 || n < 2*minRows {
		f(0, n)
		return
	}

	var (
		once      sync.Once
		recovered any
	)
	run := func(lo, hi int) {
		defer func() {
			if r := recover(); r != nil {
				once.Do(func() { recovered = r })
			}
		}()
		f(lo, hi)
	}

	chunk := max((n+cfg.Workers-1)/cfg.Workers, minRows)
	var wg sync.WaitGroup
	for lo := chunk; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			run(lo, hi)
		}(lo, hi)
	}
	// The caller takes the first chunk itself.
	run(0, min(chunk, n))
	wg.Wait()

	if recovered != nil {
		panic(recovered)
	}
}
