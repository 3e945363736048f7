package dtu

import (
	"github.com/tilelab/mantle/timing"
)

// A Fabric carries privileged DTU accesses to remote PEs. Implementations
// must order a memory write before a subsequent ext command (the handshake
// with the time-multiplexer depends on the flags cell being visible before
// the IRQ arrives) and must fence receive-endpoint acknowledgements on both
// sides.
type Fabric interface {
	ReadReg(pe int, r Reg) uint64
	WriteReg(pe int, r Reg, val uint64)

	// ReadMem and WriteMem access a PE's local memory. The access is
	// tagged with the VPE id the issuer expects the target DTU to carry;
	// a mismatch aborts the command.
	ReadMem(vpe VPEDesc, addr uint64, data []byte) error
	WriteMem(vpe VPEDesc, addr uint64, data []byte) error

	ExtCommand(pe int, cmd uint64) error

	FetchMsg(pe, ep int) *Message
	Send(from VPEDesc, toPE, toEP int, msg *Message) error

	Now() timing.Cycles
	Sleep(deadline timing.Cycles, hasDeadline bool) bool
}

// EncodeExtCmd packs an extended opcode and its argument into the EXT_CMD
// register format.
func EncodeExtCmd(op ExtCmdOp, arg uint64) uint64 {
	return uint64(op) | arg<<4
}

// DecodeExtCmd unpacks an EXT_CMD register value.
func DecodeExtCmd(cmd uint64) (ExtCmdOp, uint64) {
	return ExtCmdOp(cmd & 0xF), cmd >> 4
}

// DTU is the kernel-side facade over the fabric. The kernel PE's own DTU is
// privileged; all remote registers are reached through it.
type DTU struct {
	fabric   Fabric
	kernelPE int
}

// New creates the facade for the kernel running on kernelPE.
func New(fabric Fabric, kernelPE int) *DTU {
	return &DTU{fabric: fabric, kernelPE: kernelPE}
}

// Now returns the global cycle counter. It also satisfies timing.Clock.
func (d *DTU) Now() timing.Cycles {
	return d.fabric.Now()
}

// Sleep suspends the kernel PE until the deadline or until a message
// arrives. It satisfies timing.Sleeper.
func (d *DTU) Sleep(deadline timing.Cycles, hasDeadline bool) bool {
	return d.fabric.Sleep(deadline, hasDeadline)
}

// ReadMem copies len(data) bytes from the VPE's local memory into data.
func (d *DTU) ReadMem(vpe VPEDesc, addr uint64, data []byte) error {
	return d.fabric.ReadMem(vpe, addr, data)
}

// WriteMem copies data into the VPE's local memory.
func (d *DTU) WriteMem(vpe VPEDesc, addr uint64, data []byte) error {
	return d.fabric.WriteMem(vpe, addr, data)
}

// InjectIRQ interrupts the core of the given PE.
func (d *DTU) InjectIRQ(vpe VPEDesc) {
	d.fabric.ExtCommand(vpe.PE, EncodeExtCmd(ExtCmdInjectIRQ, 0))
}

// Wakeup resumes the core of the given PE.
func (d *DTU) Wakeup(vpe VPEDesc) {
	d.fabric.ExtCommand(vpe.PE, EncodeExtCmd(ExtCmdWakeupCore, 0))
}

// Reset restarts the core of the given PE at entry.
func (d *DTU) Reset(vpe VPEDesc, entry uint64) {
	d.fabric.ExtCommand(vpe.PE, EncodeExtCmd(ExtCmdReset, entry))
}

// InvalidateTLB flushes the PE's DTU TLB.
func (d *DTU) InvalidateTLB(vpe VPEDesc) {
	d.fabric.ExtCommand(vpe.PE, EncodeExtCmd(ExtCmdInvTLB, 0))
}

// SetVPEID assigns the VPE id register of a PE's DTU.
func (d *DTU) SetVPEID(pe int, id uint64) {
	d.fabric.WriteReg(pe, RegVPEID, id)
}

// UnsetVPEID marks the PE's DTU as carrying no VPE.
func (d *DTU) UnsetVPEID(vpe VPEDesc) {
	d.fabric.WriteReg(vpe.PE, RegVPEID, InvalidVPE)
}

// VPEID reads the VPE id register of a PE's DTU.
func (d *DTU) VPEID(pe int) uint64 {
	return d.fabric.ReadReg(pe, RegVPEID)
}

// IdleTime reads the idle cycle counter of a PE's DTU.
func (d *DTU) IdleTime(pe int) uint64 {
	return d.fabric.ReadReg(pe, RegIdleTime)
}

// RootPT installs the root page table pointer of a PE's DTU.
func (d *DTU) RootPT(pe int, pt uint64) {
	d.fabric.WriteReg(pe, RegRootPT, pt)
}

// Deprivilege drops the privileged feature bit of a PE's DTU. User PEs
// lose access to the extended command set.
func (d *DTU) Deprivilege(pe int) {
	features := d.fabric.ReadReg(pe, RegFeatures)
	d.fabric.WriteReg(pe, RegFeatures, features&^FeaturePriv)
}

// EpRegs reads the configuration of an endpoint.
func (d *DTU) EpRegs(pe, ep int) [NumEpRegs]uint64 {
	var regs [NumEpRegs]uint64
	for i := range regs {
		regs[i] = d.fabric.ReadReg(pe, EpReg(ep, i))
	}
	return regs
}

// SetEpRegs writes the configuration of an endpoint.
func (d *DTU) SetEpRegs(pe, ep int, regs [NumEpRegs]uint64) {
	for i, v := range regs {
		d.fabric.WriteReg(pe, EpReg(ep, i), v)
	}
}

// ConfigRecv configures an endpoint for receiving with the given buffer.
func (d *DTU) ConfigRecv(pe, ep int, buf uint64, order, msgorder uint) {
	regs := [NumEpRegs]uint64{
		uint64(EpReceive),
		buf,
		uint64(order)<<32 | uint64(msgorder),
	}
	d.SetEpRegs(pe, ep, regs)
}

// ConfigSend configures an endpoint for sending to a remote receive
// endpoint.
func (d *DTU) ConfigSend(pe, ep, dstPE, dstEP int, label uint64) {
	regs := [NumEpRegs]uint64{
		uint64(EpSend),
		uint64(dstPE)<<32 | uint64(dstEP),
		label,
	}
	d.SetEpRegs(pe, ep, regs)
}

// FetchMsg polls a receive endpoint of the kernel PE.
func (d *DTU) FetchMsg(ep int) *Message {
	return d.fabric.FetchMsg(d.kernelPE, ep)
}

// Send delivers a message into a remote receive endpoint on behalf of the
// kernel.
func (d *DTU) Send(toPE, toEP int, msg *Message) error {
	from := VPEDesc{PE: d.kernelPE, ID: InvalidVPE}
	return d.fabric.Send(from, toPE, toEP, msg)
}

// Reply sends a reply to a fetched message.
func (d *DTU) Reply(msg *Message, payload interface{}) error {
	rep := &Message{
		SenderPE:  d.kernelPE,
		SenderVPE: InvalidVPE,
		Label:     msg.ReplyLabel,
		Payload:   payload,
	}
	return d.fabric.Send(
		VPEDesc{PE: d.kernelPE, ID: InvalidVPE},
		msg.SenderPE, msg.ReplyEP, rep)
}
