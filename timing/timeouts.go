package timing

import (
	"container/heap"
	"log"
)

// A Handler is dispatched when one of its timeouts becomes due.
//
// A timeout is always constrained to one Handler, which means the timeout
// can only be scheduled by that handler and can only directly modify that
// handler.
type Handler interface {
	HandleTimeout(t *Timeout)
}

// A Timeout is a pending callback keyed by a deadline on the cycle clock.
// The Reason value identifies why the handler armed it.
type Timeout struct {
	deadline Cycles
	seq      uint64
	index    int
	handler  Handler
	reason   interface{}
}

// Deadline returns the cycle count at which the timeout becomes due.
func (t *Timeout) Deadline() Cycles {
	return t.deadline
}

// Handler returns the handler the timeout dispatches to.
func (t *Timeout) Handler() Handler {
	return t.handler
}

// Reason returns the value the handler armed the timeout with.
func (t *Timeout) Reason() interface{} {
	return t.reason
}

// Timeouts is a min-heap of pending timeouts over a cycle clock. Entries
// with equal deadlines are dispatched in insertion order.
type Timeouts struct {
	HookableBase

	clock   Clock
	entries timeoutHeap
	nextSeq uint64
}

// NewTimeouts creates a Timeouts heap over the given clock.
func NewTimeouts(clock Clock) *Timeouts {
	t := new(Timeouts)
	t.clock = clock
	t.entries = make(timeoutHeap, 0)
	heap.Init(&t.entries)
	return t
}

// WaitFor arms a timeout delta cycles from now.
func (ts *Timeouts) WaitFor(
	delta Cycles,
	handler Handler,
	reason interface{},
) *Timeout {
	if handler == nil {
		log.Panic("timeout without a handler")
	}

	t := &Timeout{
		deadline: ts.clock.Now() + delta,
		seq:      ts.nextSeq,
		handler:  handler,
		reason:   reason,
	}
	ts.nextSeq++

	heap.Push(&ts.entries, t)

	return t
}

// Cancel removes a pending timeout. Cancelling a timeout that already fired
// or was already cancelled is a no-op.
func (ts *Timeouts) Cancel(t *Timeout) {
	if t == nil || t.index < 0 {
		return
	}
	heap.Remove(&ts.entries, t.index)
	t.index = -1
}

// Tick dispatches all timeouts that are due at the current cycle count, in
// deadline order. Timeouts armed while draining are left for the next tick.
func (ts *Timeouts) Tick() {
	now := ts.clock.Now()
	startSeq := ts.nextSeq

	var deferred []*Timeout
	for ts.entries.Len() > 0 {
		next := ts.entries[0]
		if next.deadline > now {
			break
		}

		heap.Pop(&ts.entries)
		if next.seq >= startSeq {
			// armed while draining, keep for the next tick
			deferred = append(deferred, next)
			continue
		}

		next.index = -1

		hookCtx := HookCtx{
			Domain: ts,
			Pos:    HookPosBeforeTimeout,
			Item:   next,
		}
		ts.InvokeHook(hookCtx)

		next.handler.HandleTimeout(next)

		hookCtx.Pos = HookPosAfterTimeout
		ts.InvokeHook(hookCtx)
	}

	for _, t := range deferred {
		heap.Push(&ts.entries, t)
	}
}

// NextDeadline returns the earliest pending deadline.
func (ts *Timeouts) NextDeadline() (Cycles, bool) {
	if ts.entries.Len() == 0 {
		return NoDeadline, false
	}
	return ts.entries[0].deadline, true
}

// Len returns the number of pending timeouts.
func (ts *Timeouts) Len() int {
	return ts.entries.Len()
}

type timeoutHeap []*Timeout

// Len returns the number of pending timeouts.
func (h timeoutHeap) Len() int {
	return len(h)
}

// Less determines the order between two timeouts. Equal deadlines fall back
// to insertion order.
func (h timeoutHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

// Swap changes the position of two timeouts in the heap.
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push adds a timeout to the heap.
func (h *timeoutHeap) Push(x interface{}) {
	t := x.(*Timeout)
	t.index = len(*h)
	*h = append(*h, t)
}

// Pop removes and returns the next timeout to become due.
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return t
}
