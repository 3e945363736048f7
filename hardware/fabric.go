// Package hardware provides a simulated platform fabric: per-PE DTU
// register files, local memories, and message queues, plus a simulated
// time-multiplexer agent. The standalone kernel binary and the end-to-end
// tests run against it.
package hardware

import (
	"log"

	"github.com/tilelab/mantle/dtu"
	"github.com/tilelab/mantle/kif"
	"github.com/tilelab/mantle/timing"
)

// A Device models an autonomous unit on a tile. The fabric advances the
// clock to the earliest due device action while the kernel sleeps.
type Device interface {
	// NextAction returns the cycle at which the device wants to act.
	NextAction() (timing.Cycles, bool)
	// Act runs the device's due action at the current cycle.
	Act(now timing.Cycles)
}

// A Tile is one PE's share of the fabric.
type Tile struct {
	Regs     [dtu.NumRegs]uint64
	LocalMem []byte
	queues   [dtu.NumEps][]*dtu.Message
	device   Device
}

// Fabric is an in-memory implementation of dtu.Fabric. All accesses happen
// on the kernel's work-loop thread, which makes every write trivially
// ordered before the next command.
type Fabric struct {
	tiles []*Tile
	clock timing.Cycles
}

// NewFabric creates a fabric with numPEs tiles, each with localMemSize
// bytes of local memory.
func NewFabric(numPEs int, localMemSize int) *Fabric {
	f := &Fabric{tiles: make([]*Tile, numPEs)}
	for i := range f.tiles {
		t := &Tile{LocalMem: make([]byte, localMemSize)}
		t.Regs[dtu.RegFeatures] = dtu.FeaturePriv
		t.Regs[dtu.RegVPEID] = dtu.InvalidVPE
		f.tiles[i] = t
	}
	return f
}

// Tile returns the tile of a PE.
func (f *Fabric) Tile(pe int) *Tile {
	return f.tiles[pe]
}

// AttachDevice puts a device on a tile.
func (f *Fabric) AttachDevice(pe int, d Device) {
	f.tiles[pe].device = d
}

// Now returns the global cycle counter.
func (f *Fabric) Now() timing.Cycles {
	return f.clock
}

// ReadReg reads a register of a PE's DTU.
func (f *Fabric) ReadReg(pe int, r dtu.Reg) uint64 {
	if r == dtu.RegCurTime {
		return uint64(f.clock)
	}
	return f.tiles[pe].Regs[r]
}

// WriteReg writes a register of a PE's DTU.
func (f *Fabric) WriteReg(pe int, r dtu.Reg, val uint64) {
	f.tiles[pe].Regs[r] = val
}

func (f *Fabric) checkVPE(vpe dtu.VPEDesc) error {
	if vpe.ID == dtu.InvalidVPE {
		return nil
	}
	if f.tiles[vpe.PE].Regs[dtu.RegVPEID] != vpe.ID {
		return kif.ErrAbort
	}
	return nil
}

// ReadMem copies from a PE's local memory into data.
func (f *Fabric) ReadMem(vpe dtu.VPEDesc, addr uint64, data []byte) error {
	if err := f.checkVPE(vpe); err != nil {
		return err
	}

	mem := f.tiles[vpe.PE].LocalMem
	if addr+uint64(len(data)) > uint64(len(mem)) {
		return kif.ErrNoPerm
	}
	copy(data, mem[addr:])
	return nil
}

// WriteMem copies data into a PE's local memory.
func (f *Fabric) WriteMem(vpe dtu.VPEDesc, addr uint64, data []byte) error {
	if err := f.checkVPE(vpe); err != nil {
		return err
	}

	mem := f.tiles[vpe.PE].LocalMem
	if addr+uint64(len(data)) > uint64(len(mem)) {
		return kif.ErrNoPerm
	}
	copy(mem[addr:], data)
	return nil
}

// ExtCommand issues an extended command to a PE's DTU.
func (f *Fabric) ExtCommand(pe int, cmd uint64) error {
	// privilege is checked at the issuing DTU; the kernel facade is the
	// only issuer that reaches this fabric directly
	tile := f.tiles[pe]
	tile.Regs[dtu.RegExtCmd] = cmd

	op, arg := dtu.DecodeExtCmd(cmd)
	switch op {
	case dtu.ExtCmdInjectIRQ, dtu.ExtCmdWakeupCore:
		if mux, ok := tile.device.(*Mux); ok {
			mux.interrupt(f.clock, op)
		}
	case dtu.ExtCmdReset:
		// the simulated core has no program counter; the entry in arg
		// is not used
		_ = arg
	case dtu.ExtCmdInvPage, dtu.ExtCmdInvTLB, dtu.ExtCmdIdle:
	default:
		log.Panicf("unknown ext command %d", op)
	}
	return nil
}

// FetchMsg pops the next message of a receive endpoint.
func (f *Fabric) FetchMsg(pe, ep int) *dtu.Message {
	tile := f.tiles[pe]
	if len(tile.queues[ep]) == 0 {
		return nil
	}
	msg := tile.queues[ep][0]
	tile.queues[ep] = tile.queues[ep][1:]
	return msg
}

// Send delivers a message into a receive endpoint.
func (f *Fabric) Send(
	from dtu.VPEDesc,
	toPE, toEP int,
	msg *dtu.Message,
) error {
	tile := f.tiles[toPE]
	if dtu.EpType(tile.Regs[dtu.EpReg(toEP, 0)]) != dtu.EpReceive {
		return kif.ErrInvArgs
	}

	msg.SenderPE = from.PE
	msg.SenderVPE = from.ID
	tile.queues[toEP] = append(tile.queues[toEP], msg)
	return nil
}

// Queued tells how many messages wait in a receive endpoint.
func (f *Fabric) Queued(pe, ep int) int {
	return len(f.tiles[pe].queues[ep])
}

// Sleep advances the clock to the earliest of the given deadline and the
// next device action, running due device actions. It returns false when
// there is neither, meaning the platform can make no progress anymore.
func (f *Fabric) Sleep(deadline timing.Cycles, hasDeadline bool) bool {
	wake := deadline
	haveWake := hasDeadline

	for _, tile := range f.tiles {
		if tile.device == nil {
			continue
		}
		due, ok := tile.device.NextAction()
		if ok && (!haveWake || due < wake) {
			wake = due
			haveWake = true
		}
	}

	if !haveWake {
		return false
	}

	if wake > f.clock {
		f.clock = wake
	}

	for _, tile := range f.tiles {
		if tile.device == nil {
			continue
		}
		due, ok := tile.device.NextAction()
		if ok && due <= f.clock {
			tile.device.Act(f.clock)
		}
	}

	return true
}

// Advance moves the clock forward without sleeping. Tests use it to model
// computation time between kernel actions.
func (f *Fabric) Advance(delta timing.Cycles) {
	f.clock += delta
}
