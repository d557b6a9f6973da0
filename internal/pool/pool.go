// Package pool runs an operation graph on a fixed set of worker goroutines.
//
// There is no central work queue. Every record carries a readiness counter;
// a finishing record increments the counters of its dependents and publishes
// the ones that reach zero into a flat readiness table. Idle workers scan the
// table starting at their own index and claim entries with a two-phase
// compare-and-swap:
//
//  1. the slot flag (published -> taken) reserves the right to look at the
//     slot's current occupant; a worker that loses this race moves on and
//     never retries the same slot without re-reading it;
//  2. the record flag (ready -> claimed) guards against a stale slot whose
//     record has already been claimed.
//
// Workers with nothing to claim sleep on a single-token gate. Wakers only
// target lanes whose run state is "sleeping", so a wake is never spent on a
// busy worker.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/op"
)

// ErrUpstream is the kernel error of a record whose predecessor failed.
var ErrUpstream = errors.New("predecessor failed")

// ErrNotReset is returned by ExecuteTasks when no pass has been seeded.
var ErrNotReset = errors.New("pool: ResetState must be called before ExecuteTasks")

// Runner executes the kernel of the record at index.
type Runner func(index int) error

// Config controls pool construction.
type Config struct {
	Threads int          // Number of worker goroutines. Zero means runtime.NumCPU().
	Logger  *slog.Logger // Nil means slog.Default().
}

// DefaultConfig returns one worker per CPU.
func DefaultConfig() Config {
	return Config{Threads: runtime.NumCPU()}
}

// Stats counts scheduler events since the pool was created.
type Stats struct {
	Passes   uint64
	Executed uint64
	Wakes    uint64
	Sleeps   uint64
}

// Pool is a fixed set of workers plus the shared readiness bookkeeping.
type Pool struct {
	logger *slog.Logger
	lanes  []*lane

	// Per-pass tables, rebuilt by ResetState while every worker is parked.
	records []op.Record
	run     Runner
	slots   []slot
	armed   bool

	head      atomic.Int64
	tail      atomic.Int64
	remaining atomic.Int64
	available atomic.Int64

	done     chan struct{}
	finished atomic.Int64

	mu        sync.Mutex // Serializes callers of ResetState and ExecuteTasks.
	stopping  atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	passes   atomic.Uint64
	executed atomic.Uint64
	wakes    atomic.Uint64
	sleeps   atomic.Uint64
}

// New spawns cfg.Threads workers. Each one starts parked on its gate.
func New(cfg Config) *Pool {
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool{
		logger: cfg.Logger,
		lanes:  make([]*lane, cfg.Threads),
		closed: make(chan struct{}),
	}
	for i := range p.lanes {
		p.lanes[i] = newLane(i)
	}
	p.wg.Add(len(p.lanes))
	for _, l := range p.lanes {
		go p.work(l)
	}
	return p
}

// Threads returns the number of workers.
func (p *Pool) Threads() int { return len(p.lanes) }

// ResetState seeds one pass over records: remaining becomes the record count
// and every record without predecessors is published as ready. records is
// shared with the caller and must not be rebuilt until the pass finishes.
func (p *Pool) ResetState(records []op.Record, run Runner) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping.Load() {
		return errpolicy.ErrPoolShutdown
	}
	if run == nil {
		return fmt.Errorf("pool: nil runner")
	}

	p.records = records
	p.run = run
	if cap(p.slots) < len(records) {
		p.slots = make([]slot, len(records))
	} else {
		p.slots = p.slots[:len(records)]
		for i := range p.slots {
			p.slots[i].reset()
		}
	}
	p.head.Store(0)
	p.tail.Store(0)
	p.available.Store(0)
	p.remaining.Store(int64(len(records)))

	for i := range records {
		if records[i].Reset() {
			p.publish(i)
		}
	}
	if len(records) > 0 && p.available.Load() == 0 {
		p.remaining.Store(0)
		return fmt.Errorf("%w: no record is ready at the start of the pass", errpolicy.ErrInvalidGraph)
	}
	p.armed = true
	return nil
}

// ExecuteTasks releases every worker and blocks until the pass completes,
// that is until every worker has observed remaining == 0.
func (p *Pool) ExecuteTasks() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping.Load() {
		return errpolicy.ErrPoolShutdown
	}
	if !p.armed {
		return ErrNotReset
	}
	p.armed = false

	done := make(chan struct{})
	p.done = done
	p.finished.Store(0)

	p.logger.Debug("pass start",
		"records", len(p.records), "ready", p.available.Load(), "threads", len(p.lanes))

	for _, l := range p.lanes {
		if l.state.CompareAndSwap(laneParked, laneRunning) {
			l.gate <- struct{}{}
		}
	}

	select {
	case <-done:
	case <-p.closed:
		return errpolicy.ErrPoolShutdown
	}
	p.passes.Add(1)
	p.logger.Debug("pass done", "records", len(p.records))
	return nil
}

// Remaining returns the number of records that have not completed in this pass.
func (p *Pool) Remaining() int64 { return p.remaining.Load() }

// Available returns the number of published, unclaimed records.
func (p *Pool) Available() int64 { return p.available.Load() }

// Stats returns a snapshot of the scheduler counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Passes:   p.passes.Load(),
		Executed: p.executed.Load(),
		Wakes:    p.wakes.Load(),
		Sleeps:   p.sleeps.Load(),
	}
}

// Close stops the pool: it sets the stop flag, wakes every gate and joins
// all workers. A pass in flight is abandoned. Close is idempotent.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.stopping.Store(true)
		close(p.closed)
		for _, l := range p.lanes {
			if l.state.CompareAndSwap(laneSleeping, laneRunning) ||
				l.state.CompareAndSwap(laneParked, laneRunning) {
				l.gate <- struct{}{}
			}
		}
		p.wg.Wait()
	})
	return nil
}

// publish appends a ready record to the readiness table.
func (p *Pool) publish(index int) {
	pos := p.tail.Add(1) - 1
	s := &p.slots[pos]
	s.record.Store(int64(index))
	s.state.Store(slotPublished)
	p.available.Add(1)
}
