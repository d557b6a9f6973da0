package pool

import (
	"fmt"
	"runtime"
)

// work is the body of one worker goroutine. Between passes the lane is
// parked on its gate; ExecuteTasks and Close are the only wakers of a parked lane.
func (p *Pool) work(l *lane) {
	defer p.wg.Done()
	for {
		<-l.gate
		if p.stopping.Load() {
			return
		}
		done := p.done
		p.drain(l)
		if p.stopping.Load() {
			return
		}

		l.state.Store(laneParked)
		if p.finished.Add(1) == int64(len(p.lanes)) {
			close(done)
		}
		if p.stopping.Load() {
			if !l.state.CompareAndSwap(laneParked, laneRunning) {
				<-l.gate
			}
			return
		}
	}
}

// drain claims and runs records until the pass has no remaining work.
func (p *Pool) drain(l *lane) {
	for {
		if p.stopping.Load() || p.remaining.Load() == 0 {
			return
		}
		if index, ok := p.claim(l); ok {
			p.execute(l, index)
			continue
		}
		p.sleep(l)
	}
}

// claim scans the live part of the readiness table starting at the lane's
// own position and returns the first record it wins.
func (p *Pool) claim(l *lane) (int, bool) {
	head, tail := p.head.Load(), p.tail.Load()
	n := tail - head
	if n <= 0 {
		return 0, false
	}
	start := int64(l.id) % n
	for i := range n {
		pos := head + (start+i)%n
		s := &p.slots[pos]
		if s.state.Load() != slotPublished {
			continue
		}
		// Phase 1: reserve the slot.
		if !s.state.CompareAndSwap(slotPublished, slotTaken) {
			continue
		}
		index := int(s.record.Load())
		p.available.Add(-1)
		p.advanceHead()

		// Phase 2: claim the record the slot points at now.
		if !p.records[index].TryClaim() {
			continue
		}
		return index, true
	}
	return 0, false
}

// advanceHead moves the head past leading taken slots.
func (p *Pool) advanceHead() {
	for {
		h := p.head.Load()
		if h >= p.tail.Load() || p.slots[h].state.Load() != slotTaken {
			return
		}
		p.head.CompareAndSwap(h, h+1)
	}
}

// execute runs one claimed record and fires its dependents.
func (p *Pool) execute(l *lane, index int) {
	l.bind(index, len(p.records[index].Dependents))
	rec := &p.records[l.record.Load()]
	rec.Start()

	var err error
	if rec.UpstreamFailed() {
		err = ErrUpstream
	} else {
		err = p.invoke(int(l.record.Load()))
	}
	rec.Complete(err)

	ready := 0
	for _, d := range rec.Dependents[:l.fanout] {
		dep := &p.records[d]
		if err != nil {
			dep.MarkUpstreamFailed()
		}
		if dep.Fire() {
			p.publish(d)
			ready++
		}
	}
	l.unbind()
	p.executed.Add(1)

	// This worker takes one of the new records itself.
	if ready > 1 {
		p.wake(l, ready-1)
	}
	if p.remaining.Add(-1) == 0 {
		p.wakeAll()
	}
}

// invoke calls the runner, turning a panic into an error so the record
// still completes and its dependents still fire.
func (p *Pool) invoke(index int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	return p.run(index)
}

// sleep parks the lane on its gate unless there is a reason to stay awake.
func (p *Pool) sleep(l *lane) {
	l.state.Store(laneSleeping)
	if p.stopping.Load() || p.remaining.Load() == 0 || p.available.Load() > 0 {
		if l.state.CompareAndSwap(laneSleeping, laneRunning) {
			runtime.Gosched()
			return
		}
		// A waker already committed to this lane; take its token.
	}
	p.sleeps.Add(1)
	<-l.gate
}

// wake hands tokens to up to n sleeping lanes, starting after from.
func (p *Pool) wake(from *lane, n int) {
	count := len(p.lanes)
	for i := 1; i < count && n > 0; i++ {
		l := p.lanes[(from.id+i)%count]
		if l.state.CompareAndSwap(laneSleeping, laneRunning) {
			l.gate <- struct{}{}
			p.wakes.Add(1)
			n--
		}
	}
}

// wakeAll wakes every sleeping lane so it can observe the end of the pass.
func (p *Pool) wakeAll() {
	for _, l := range p.lanes {
		if l.state.CompareAndSwap(laneSleeping, laneRunning) {
			l.gate <- struct{}{}
			p.wakes.Add(1)
		}
	}
}

// laneBindings returns the record index each lane drives, -1 for idle lanes.
func (p *Pool) laneBindings() []int64 {
	out := make([]int64, len(p.lanes))
	for i, l := range p.lanes {
		out[i] = l.record.Load()
	}
	return out
}

// state helpers used by tests.
func (p *Pool) laneStates() []int32 {
	out := make([]int32, len(p.lanes))
	for i, l := range p.lanes {
		out[i] = l.state.Load()
	}
	return out
}
