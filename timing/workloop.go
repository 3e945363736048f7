package timing

import "sync"

// A Poller is polled once per loop iteration. It returns true if it made
// progress, for example by fetching and dispatching a message.
type Poller interface {
	Poll() bool
}

// WorkLoop is the single-threaded cooperative loop that drives the kernel.
// Each iteration drains the timeout heap, polls every registered receive
// endpoint once, and sleeps until the next deadline when idle.
//
// Handlers run to completion between iterations; they must not call Run
// re-entrantly.
type WorkLoop struct {
	HookableBase

	timeouts *Timeouts
	sleeper  Sleeper
	pollers  []Poller
	stopped  bool
	running  bool

	isPaused     bool
	isPausedLock sync.Mutex
	pauseLock    sync.Mutex
}

// NewWorkLoop creates a work loop over the given timeout heap and sleeper.
func NewWorkLoop(timeouts *Timeouts, sleeper Sleeper) *WorkLoop {
	w := new(WorkLoop)
	w.timeouts = timeouts
	w.sleeper = sleeper
	return w
}

// AddPoller registers a receive endpoint poller.
func (w *WorkLoop) AddPoller(p Poller) {
	w.pollers = append(w.pollers, p)
}

// Timeouts returns the timeout heap the loop drains.
func (w *WorkLoop) Timeouts() *Timeouts {
	return w.timeouts
}

// Stop makes Run return at the head of the next iteration.
func (w *WorkLoop) Stop() {
	w.stopped = true
}

// Stopped tells whether Stop has been called.
func (w *WorkLoop) Stopped() bool {
	return w.stopped
}

// Run drives the loop until Stop is called or nothing can make progress
// anymore.
func (w *WorkLoop) Run() {
	if w.running {
		panic("work loop is not re-entrant")
	}
	w.running = true
	defer func() { w.running = false }()

	for !w.stopped {
		w.pauseLock.Lock()

		w.timeouts.Tick()

		busy := false
		for _, p := range w.pollers {
			if p.Poll() {
				busy = true
			}
		}

		if busy || w.stopped {
			w.pauseLock.Unlock()
			continue
		}

		deadline, ok := w.timeouts.NextDeadline()

		hookCtx := HookCtx{
			Domain: w,
			Pos:    HookPosLoopSleep,
			Item:   deadline,
		}
		w.InvokeHook(hookCtx)

		progress := w.sleeper.Sleep(deadline, ok)
		w.pauseLock.Unlock()
		if !progress {
			return
		}
	}
}

// Pause prevents the loop from running more iterations until Continue is
// called. It can be called from another goroutine.
func (w *WorkLoop) Pause() {
	w.isPausedLock.Lock()
	defer w.isPausedLock.Unlock()

	if w.isPaused {
		return
	}

	w.pauseLock.Lock()
	w.isPaused = true
}

// Continue allows the loop to run more iterations.
func (w *WorkLoop) Continue() {
	w.isPausedLock.Lock()
	defer w.isPausedLock.Unlock()

	if !w.isPaused {
		return
	}

	w.pauseLock.Unlock()
	w.isPaused = false
}
