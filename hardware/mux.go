package hardware

import (
	"encoding/binary"

	"github.com/tilelab/mantle/dtu"
	"github.com/tilelab/mantle/kif"
	"github.com/tilelab/mantle/timing"
)

// Mux simulates the in-PE time-multiplexer agent. The kernel writes a
// request into the flags cell and interrupts or wakes the core; the agent
// performs the store or restore after a fixed latency and writes the signal
// bit back.
type Mux struct {
	fabric  *Fabric
	pe      int
	latency timing.Cycles

	pending   timing.Cycles
	hasAction bool

	blockNext bool
	idleTime  uint64
}

// NewMux creates the agent for a PE. latency is the number of cycles the
// agent needs to react to a request.
func NewMux(fabric *Fabric, pe int, latency timing.Cycles) *Mux {
	return &Mux{fabric: fabric, pe: pe, latency: latency}
}

// RequestBlock makes the application ask to block at the next store.
func (m *Mux) RequestBlock() {
	m.blockNext = true
}

// SetIdleTime sets the idle cycle count the agent reports at the next
// store.
func (m *Mux) SetIdleTime(cycles uint64) {
	m.idleTime = cycles
}

func (m *Mux) interrupt(now timing.Cycles, _ dtu.ExtCmdOp) {
	due := now + m.latency
	if !m.hasAction || due < m.pending {
		m.pending = due
		m.hasAction = true
	}
}

// NextAction returns when the agent wants to run.
func (m *Mux) NextAction() (timing.Cycles, bool) {
	return m.pending, m.hasAction
}

// Act performs the pending store or restore.
func (m *Mux) Act(_ timing.Cycles) {
	m.hasAction = false

	flags := kif.MuxCtrl(m.readFlags())

	switch {
	case flags&kif.MuxStore != 0:
		// the application state is parked in the save area; from the
		// kernel's point of view the only visible effects are the idle
		// counter, the invalidated VPE id, and the signal
		m.fabric.WriteReg(m.pe, dtu.RegIdleTime, m.idleTime)
		m.fabric.WriteReg(m.pe, dtu.RegVPEID, dtu.InvalidVPE)

		reply := flags | kif.MuxSignal
		if m.blockNext {
			reply |= kif.MuxBlock
			m.blockNext = false
		}
		m.writeFlags(uint64(reply))

	case flags&(kif.MuxRestore|kif.MuxInit) != 0:
		m.writeFlags(uint64(flags | kif.MuxSignal))
	}
}

func (m *Mux) readFlags() uint64 {
	mem := m.fabric.Tile(m.pe).LocalMem
	return binary.LittleEndian.Uint64(mem[dtu.RCTMuxFlagsAddr:])
}

func (m *Mux) writeFlags(flags uint64) {
	mem := m.fabric.Tile(m.pe).LocalMem
	binary.LittleEndian.PutUint64(mem[dtu.RCTMuxFlagsAddr:], flags)
}
