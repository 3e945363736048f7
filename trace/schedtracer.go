// Package trace records the kernel's scheduling activity. A SchedTracer
// hooks the context switchers and writes one row per suspend and per
// dispatch into a recorder database.
package trace

import (
	"github.com/tilelab/mantle/datarecording"
	"github.com/tilelab/mantle/pes"
	"github.com/tilelab/mantle/timing"
)

// SuspendRow is one stored VPE suspension.
type SuspendRow struct {
	ID    string
	Cycle uint64
	PE    int
	VPE   int
	Name  string
	Total uint64
	Idle  uint64
}

// DispatchRow is one completed VPE dispatch.
type DispatchRow struct {
	ID    string
	Cycle uint64
	PE    int
	VPE   int
	Name  string
}

// SchedTracer records switch spans through a datarecording backend.
type SchedTracer struct {
	clock    timing.Clock
	recorder datarecording.Recorder
}

// NewSchedTracer creates the tracer and its tables.
func NewSchedTracer(
	clock timing.Clock,
	recorder datarecording.Recorder,
) *SchedTracer {
	t := &SchedTracer{clock: clock, recorder: recorder}
	recorder.CreateTable("suspends", SuspendRow{})
	recorder.CreateTable("dispatches", DispatchRow{})
	return t
}

// Attach hooks the tracer into a context switcher.
func (t *SchedTracer) Attach(cs *pes.ContextSwitcher) {
	cs.AcceptHook(t)
}

// Func records suspend and dispatch hook invocations.
func (t *SchedTracer) Func(ctx timing.HookCtx) {
	switch ctx.Pos {
	case pes.HookPosSuspend:
		stats := ctx.Item.(pes.SuspendStats)
		t.recorder.InsertData("suspends", SuspendRow{
			ID:    timing.GetIDGenerator().Generate(),
			Cycle: uint64(t.clock.Now()),
			PE:    stats.PE,
			VPE:   stats.VPE,
			Name:  stats.Name,
			Total: stats.Total,
			Idle:  stats.Idle,
		})
	case pes.HookPosDispatch:
		stats := ctx.Item.(pes.DispatchStats)
		t.recorder.InsertData("dispatches", DispatchRow{
			ID:    timing.GetIDGenerator().Generate(),
			Cycle: uint64(t.clock.Now()),
			PE:    stats.PE,
			VPE:   stats.VPE,
			Name:  stats.Name,
		})
	}
}
