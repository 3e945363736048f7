package pes

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/tilelab/mantle/dtu"
	"github.com/tilelab/mantle/kif"
	"github.com/tilelab/mantle/timing"
)

type switchState int

const (
	stateIdle switchState = iota
	stateStoreWait
	stateStoreDone
	stateSwitch
	stateRestoreWait
	stateRestoreDone
)

var stateNames = []string{
	"S_IDLE",
	"S_STORE_WAIT",
	"S_STORE_DONE",
	"S_SWITCH",
	"S_RESTORE_WAIT",
	"S_RESTORE_DONE",
}

// Polling the flags cell starts at initWaitTime cycles and backs off
// exponentially up to maxWaitTime.
const (
	initWaitTime timing.Cycles = 100
	maxWaitTime  timing.Cycles = 100_000
)

// Timeout reasons the switcher arms.

// continueSwitch polls the flags cell for the multiplexer's signal.
type continueSwitch struct {
	pe int
}

// switchTimeout expires the running VPE's time slice.
type switchTimeout struct {
	pe int
}

// SuspendStats describes a completed store phase. It is the Item of
// HookPosSuspend.
type SuspendStats struct {
	PE    int
	VPE   int
	Name  string
	Total uint64
	Idle  uint64
}

// DispatchStats describes a completed restore phase. It is the Item of
// HookPosDispatch.
type DispatchStats struct {
	PE   int
	VPE  int
	Name string
}

// HookPosSuspend triggers when a VPE's state has been stored.
var HookPosSuspend = &timing.HookPos{Name: "Suspend"}

// HookPosDispatch triggers when a VPE has been dispatched and resumed.
var HookPosDispatch = &timing.HookPos{Name: "Dispatch"}

// A ContextSwitcher drives the context-switch state machine of one PE.
//
//	         switch & cur     +----------+
//	        /-----------------|  S_IDLE  |<--------------\
//	        |                 +----------+               |
//	        v                     |   |                  |
//	+------------------+          |   |         +-----------------+
//	|   S_STORE_WAIT   |   switch |   |         |  S_RESTORE_DONE |
//	|   ------------   |     &    |   |         |  -------------- |
//	|   e/ inject IRQ  |    !cur  |   |         |    e/ notify    |
//	+------------------+          |   | start   +-----------------+
//	        |                     |   |                  ^
//	        | signal              |   |                  | signal
//	        v                     |   |                  |
//	+------------------+          |   |         +-----------------+
//	|   S_STORE_DONE   |          |   |         |  S_RESTORE_WAIT |
//	|   ------------   |          |   \-------->|  -------------- |
//	| e/ save DTU regs |          |             |    e/ wakeup    |
//	+------------------+          |             +-----------------+
//	        |                     v                      ^
//	        |             +------------------+           |
//	        |             |     S_SWITCH     |           |
//	        \------------>|     --------     |-----------/
//	                      | e/ sched & reset |
//	                      +------------------+
type ContextSwitcher struct {
	timing.HookableBase

	kernel *Kernel
	pe     int
	state  switchState

	count int
	ready readyList
	it    *VPE

	timeout  *timing.Timeout
	waitTime timing.Cycles

	// whether the in-flight restore includes the application start
	restoringStart bool

	idle *VPE
	cur  *VPE
}

// NewContextSwitcher creates the switcher for a PE.
func NewContextSwitcher(k *Kernel, pe int) *ContextSwitcher {
	if pe <= 0 {
		log.Panic("context switcher on the kernel PE")
	}
	cs := &ContextSwitcher{kernel: k, pe: pe}
	k.vpelogf("CtxSw[%d]: initialized", pe)
	return cs
}

// Init creates the idle VPE of this PE.
func (cs *ContextSwitcher) Init() {
	if cs.idle != nil {
		log.Panic("idle VPE already created")
	}

	id, err := cs.kernel.VPEs.getID()
	if err != nil {
		log.Panic(err)
	}
	cs.idle = newVPE(cs.kernel, "idle", cs.pe, id,
		FlagIdle|FlagInit|FlagBootMod, InvalidSel)
}

// Name identifies the switcher in logs and in the monitor.
func (cs *ContextSwitcher) Name() string {
	return fmt.Sprintf("ctxsw%d", cs.pe)
}

// PE returns the tile this switcher drives.
func (cs *ContextSwitcher) PE() int {
	return cs.pe
}

// Count returns the number of VPEs assigned to this PE, not counting the
// idle VPE.
func (cs *ContextSwitcher) Count() int {
	return cs.count
}

// Current returns the VPE currently dispatched, which is nil only while a
// switch is in flight or before the first dispatch.
func (cs *ContextSwitcher) Current() *VPE {
	return cs.cur
}

// ReadyLen returns the number of VPEs in the ready list.
func (cs *ContextSwitcher) ReadyLen() int {
	return cs.ready.len
}

// CanMux tells whether every VPE on this PE tolerates sharing it.
func (cs *ContextSwitcher) CanMux() bool {
	// blocked VPEs are not in the ready list, so walk the VPE table
	for _, v := range cs.kernel.VPEs.vpes {
		if v != nil && v.pe == cs.pe && v.flags&FlagIdle == 0 &&
			v.flags&FlagMuxable == 0 {
			return false
		}
	}
	return true
}

func (cs *ContextSwitcher) sendFlags(vpeid uint64, flags kif.MuxCtrl) {
	var ctrl [8]byte
	binary.LittleEndian.PutUint64(ctrl[:], uint64(flags))
	desc := dtu.VPEDesc{PE: cs.pe, ID: vpeid}
	if err := cs.kernel.DTU.WriteMem(desc, dtu.RCTMuxFlagsAddr, ctrl[:]); err != nil {
		log.Panicf("CtxSw[%d]: writing flags cell: %v", cs.pe, err)
	}
}

func (cs *ContextSwitcher) recvFlags(vpeid uint64) kif.MuxCtrl {
	var ctrl [8]byte
	desc := dtu.VPEDesc{PE: cs.pe, ID: vpeid}
	if err := cs.kernel.DTU.ReadMem(desc, dtu.RCTMuxFlagsAddr, ctrl[:]); err != nil {
		log.Panicf("CtxSw[%d]: reading flags cell: %v", cs.pe, err)
	}
	return kif.MuxCtrl(binary.LittleEndian.Uint64(ctrl[:]))
}

// schedule picks the next VPE to run, round-robin over the ready list. The
// idle VPE runs when the list is empty.
func (cs *ContextSwitcher) schedule() *VPE {
	if cs.ready.len > 0 {
		cs.it = cs.ready.next(cs.it)
		return cs.it
	}
	return cs.idle
}

func (cs *ContextSwitcher) enqueue(v *VPE) {
	// the idle VPE is scheduled implicitly and never sits in the list;
	// dead VPEs stay out
	if v.flags&(FlagReady|FlagIdle) != 0 || v.state == Dead {
		return
	}

	v.flags |= FlagReady
	cs.ready.append(v)
	if cs.ready.len == 1 {
		cs.it = cs.ready.head
	}
}

func (cs *ContextSwitcher) dequeue(v *VPE) {
	if v.flags&FlagReady == 0 {
		return
	}

	v.flags &^= FlagReady
	cs.ready.remove(v)
	if cs.it == v {
		cs.it = cs.ready.head
	}
}

// Add assigns a VPE to this PE.
func (cs *ContextSwitcher) Add(v *VPE) {
	cs.count++
	cs.Unblock(v)
}

// Remove takes a VPE off this PE. With destroy set the VPE is dead and its
// DTU id is invalidated; without, the VPE is only migrating away. Removal
// of the current VPE starts a fresh switch.
func (cs *ContextSwitcher) Remove(v *VPE, destroy bool) {
	cs.dequeue(v)
	cs.count--

	if cs.cur == v {
		if destroy {
			cs.cur.state = Dead
			// the VPE id is expected to be invalid in S_SWITCH
			cs.kernel.DTU.UnsetVPEID(cs.cur.Desc())
		}
		cs.cur = nil
		cs.StartSwitch(false)
	}
}

// Block takes the VPE out of the ready list and gives up its PE.
func (cs *ContextSwitcher) Block(v *VPE) {
	cs.dequeue(v)
	cs.StartSwitch(false)
}

// Unblock makes the VPE dispatchable again.
func (cs *ContextSwitcher) Unblock(v *VPE) {
	cs.enqueue(v)
	cs.StartSwitch(false)
}

// StartSwitch begins a context switch unless one is already in flight.
// timedout tells whether the round-robin timeout fired, in which case it
// must not be cancelled.
func (cs *ContextSwitcher) StartSwitch(timedout bool) {
	if !timedout && cs.timeout != nil {
		cs.kernel.Timeouts.Cancel(cs.timeout)
	}
	cs.timeout = nil

	// if there is a switch running, do nothing
	if cs.state != stateIdle {
		return
	}

	// if no VPE is running, directly switch to a new VPE
	if cs.cur == nil {
		cs.state = stateSwitch
	} else {
		cs.state = stateStoreWait
	}

	cs.nextState(0)
}

// StartVPE performs the explicit first start of the current VPE.
func (cs *ContextSwitcher) StartVPE() {
	if cs.state != stateIdle {
		log.Panicf("CtxSw[%d]: start in %s", cs.pe, stateNames[cs.state])
	}
	if cs.cur == nil || cs.cur.state != Running ||
		cs.cur.flags&FlagStart == 0 {
		log.Panicf("CtxSw[%d]: start without a startable VPE", cs.pe)
	}

	if cs.cur.flags&(FlagBootMod|FlagStart) == FlagBootMod|FlagStart {
		if err := cs.cur.LoadApp(cs.cur.name); err != nil {
			cs.kernel.vpelogf("CtxSw[%d]: VPE %s is dead: %v",
				cs.pe, cs.cur.name, err)
			// removal of the current VPE schedules a successor
			cs.kernel.VPEs.Remove(cs.cur)
			return
		}
	}

	cs.state = stateRestoreWait
	cs.nextState(0)
}

// HandleTimeout dispatches the switcher's timeout reasons.
func (cs *ContextSwitcher) HandleTimeout(t *timing.Timeout) {
	switch t.Reason().(type) {
	case continueSwitch:
		cs.continueSwitch()
	case switchTimeout:
		cs.StartSwitch(true)
	default:
		log.Panicf("CtxSw[%d]: unknown timeout reason", cs.pe)
	}
}

// continueSwitch polls the flags cell for the multiplexer's signal,
// backing off exponentially while it is not there yet.
func (cs *ContextSwitcher) continueSwitch() {
	if cs.state != stateStoreDone && cs.state != stateRestoreDone {
		log.Panicf("CtxSw[%d]: continue in %s", cs.pe, stateNames[cs.state])
	}

	if cs.cur == nil {
		// the VPE vanished mid-switch; pick a successor directly
		cs.state = stateSwitch
		cs.nextState(0)
		return
	}

	// the multiplexer is expected to invalidate the VPE id after we have
	// injected the IRQ
	id := uint64(cs.cur.id)
	if cs.state == stateStoreDone {
		id = dtu.InvalidVPE
	}
	flags := cs.recvFlags(id)

	if flags&kif.MuxSignal == 0 {
		if cs.waitTime == 0 {
			log.Panicf("CtxSw[%d]: polling without a wait time", cs.pe)
		}
		if cs.waitTime < maxWaitTime {
			cs.waitTime = min(cs.waitTime*2, maxWaitTime)
		}
		cs.kernel.Timeouts.WaitFor(cs.waitTime, cs, continueSwitch{pe: cs.pe})
		return
	}

	cs.nextState(flags)
}

func (cs *ContextSwitcher) nextState(flags kif.MuxCtrl) {
	cs.kernel.vpelogf("CtxSw[%d]: next; state=%s (current=%s)",
		cs.pe, stateNames[cs.state], cs.curName())

	cs.waitTime = 0
	switch cs.state {
	case stateIdle:
		log.Panicf("CtxSw[%d]: next state out of S_IDLE", cs.pe)

	case stateStoreWait:
		cs.sendFlags(uint64(cs.cur.id), kif.MuxStore)
		cs.kernel.DTU.InjectIRQ(cs.cur.Desc())

		cs.state = stateStoreDone

		cs.waitTime = initWaitTime
		cs.kernel.Timeouts.WaitFor(cs.waitTime, cs, continueSwitch{pe: cs.pe})

	case stateStoreDone:
		cs.storeDone(flags)
		cs.doSwitch()
		cs.restoreWait()

	case stateSwitch:
		cs.doSwitch()
		cs.restoreWait()

	case stateRestoreWait:
		cs.restoreWait()

	case stateRestoreDone:
		cs.restoreDone()
	}

	cs.kernel.vpelogf("CtxSw[%d]: done; state=%s (current=%s)",
		cs.pe, stateNames[cs.state], cs.curName())
}

func (cs *ContextSwitcher) storeDone(flags kif.MuxCtrl) {
	cs.cur.dtustate.Save(cs.kernel.DTU, cs.cur.Desc())

	now := uint64(cs.kernel.DTU.Now())
	idle := cs.cur.dtustate.IdleTime
	total := now - uint64(cs.cur.lastsched)
	cs.kernel.vpelogf("CtxSw[%d]: VPE idled for %d of %d cycles",
		cs.pe, idle, total)

	cs.cur.state = Suspended
	if flags&kif.MuxBlock != 0 {
		cs.dequeue(cs.cur)
	} else {
		// ensure that it is still enqueued. the idle syscall might have
		// dequeued it; we want it ready even then, because a message may
		// have arrived in the meantime
		cs.enqueue(cs.cur)
	}

	hookCtx := timing.HookCtx{
		Domain: cs,
		Pos:    HookPosSuspend,
		Item: SuspendStats{
			PE:    cs.pe,
			VPE:   cs.cur.id,
			Name:  cs.cur.name,
			Total: total,
			Idle:  idle,
		},
	}
	cs.InvokeHook(hookCtx)
}

func (cs *ContextSwitcher) doSwitch() {
	for {
		cs.cur = cs.schedule()

		// make it running here already, so that the page tables are sent
		// to the PE if the init phase is pending
		cs.cur.state = Running
		cs.cur.lastsched = cs.kernel.DTU.Now()

		// a fresh VPE starts with invalidated endpoints; a resumed one gets
		// the state saved at its last store back
		if cs.cur.flags&FlagInit != 0 {
			cs.cur.dtustate.Reset(dtu.RCTMuxEntry)
		}

		desc := dtu.VPEDesc{PE: cs.pe, ID: dtu.InvalidVPE}
		cs.cur.dtustate.Restore(cs.kernel.DTU, desc, uint64(cs.cur.id))

		var err error
		if cs.cur.flags&FlagInit != 0 {
			err = cs.cur.InitMemory()
		}
		if err == nil &&
			cs.cur.flags&(FlagBootMod|FlagStart) == FlagBootMod|FlagStart {
			err = cs.cur.LoadApp(cs.cur.name)
		}
		if err == nil {
			return
		}

		// the VPE is dead; schedule another one
		cs.kernel.vpelogf("CtxSw[%d]: VPE %s is dead: %v",
			cs.pe, cs.cur.name, err)
		dead := cs.cur
		cs.cur = nil
		cs.kernel.DTU.UnsetVPEID(dead.Desc())
		dead.state = Dead
		cs.kernel.VPEs.Remove(dead)
	}
}

func (cs *ContextSwitcher) restoreWait() {
	var flags kif.MuxCtrl
	// it's the first start if we are initializing or starting
	if cs.cur.flags&(FlagInit|FlagStart) != 0 {
		flags |= kif.MuxInit
	}

	// there is an application to restore if we are either resuming it
	// (not initializing) or just starting it
	if cs.cur.flags&FlagInit == 0 || cs.cur.flags&FlagStart != 0 {
		flags |= kif.MuxRestore.WithPE(cs.pe)
	}

	// let the VPE report idle times if other VPEs are on this PE
	if cs.ready.len > 1 {
		flags |= kif.MuxReport
	}

	cs.kernel.vpelogf("CtxSw[%d]: waking up PE with flags=%#x",
		cs.pe, uint64(flags))

	cs.restoringStart = cs.cur.flags&FlagStart != 0
	cs.sendFlags(uint64(cs.cur.id), flags)
	cs.kernel.DTU.Wakeup(cs.cur.Desc())
	cs.state = stateRestoreDone

	cs.waitTime = initWaitTime
	cs.kernel.Timeouts.WaitFor(cs.waitTime, cs, continueSwitch{pe: cs.pe})
}

func (cs *ContextSwitcher) restoreDone() {
	// these phases are finished now, if they were pending. a start request
	// that arrived while the restore was in flight stays pending.
	cs.cur.flags &^= FlagInit
	if cs.restoringStart {
		cs.cur.flags &^= FlagStart
	}
	cs.cur.NotifyResume()

	cs.sendFlags(uint64(cs.cur.id), kif.MuxNone)
	cs.state = stateIdle

	if cs.cur.flags&FlagStart != 0 {
		// perform the deferred first start right away
		cs.StartVPE()
		return
	}

	hookCtx := timing.HookCtx{
		Domain: cs,
		Pos:    HookPosDispatch,
		Item: DispatchStats{
			PE:   cs.pe,
			VPE:  cs.cur.id,
			Name: cs.cur.name,
		},
	}
	cs.InvokeHook(hookCtx)

	// when starting a VPE we might already carry a timeout for it
	if cs.ready.len > 1 && cs.timeout == nil {
		// expire immediately if the VPE is no longer ready
		wait := TimeSlice
		if cs.cur.flags&FlagReady == 0 {
			wait = 0
		}
		cs.timeout = cs.kernel.Timeouts.WaitFor(wait, cs,
			switchTimeout{pe: cs.pe})
	}
}

func (cs *ContextSwitcher) curName() string {
	if cs.cur == nil {
		return "-"
	}
	return cs.cur.name
}
