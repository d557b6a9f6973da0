package pool

import (
	"fmt"
	"sync/atomic"
)

// Lane run states. Only the owning worker moves a lane out of running;
// anyone may move it back with a successful CAS, and must then hand the
// lane exactly one gate token.
const (
	laneRunning int32 = iota
	laneSleeping
	laneParked
)

// lane is the per-worker binding between a goroutine and the record it drives.
type lane struct {
	id    int
	state atomic.Int32
	gate  chan struct{} // Single-token wake gate.

	// Written only by the worker goroutine; record and claimed are atomic so
	// diagnostics can read them from outside.
	record  atomic.Int64 // Bound record index, -1 when idle.
	fanout  int          // Number of dependents of the bound record.
	claimed atomic.Bool
}

func newLane(id int) *lane {
	l := &lane{id: id, gate: make(chan struct{}, 1)}
	l.record.Store(-1)
	l.state.Store(laneParked)
	return l
}

// bind attaches the lane to a claimed record. A lane drives one record at a
// time; binding a claimed lane is a scheduler bug.
func (l *lane) bind(index, fanout int) {
	if !l.claimed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("pool: lane %d bound to record %d while driving %d", l.id, index, l.record.Load()))
	}
	l.record.Store(int64(index))
	l.fanout = fanout
}

func (l *lane) unbind() {
	l.record.Store(-1)
	l.fanout = 0
	l.claimed.Store(false)
}

// Readiness table slot states.
const (
	slotEmpty int32 = iota
	slotPublished
	slotTaken
)

// slot is one entry of the readiness table.
type slot struct {
	record atomic.Int64
	state  atomic.Int32
}

func (s *slot) reset() {
	s.state.Store(slotEmpty)
	s.record.Store(-1)
}
