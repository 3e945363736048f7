package pes

import (
	"fmt"

	"github.com/tilelab/mantle/dtu"
	"github.com/tilelab/mantle/kif"
	"github.com/tilelab/mantle/timing"
)

// VPEState is the lifecycle state of a VPE.
type VPEState int

const (
	// Dead marks a VPE that has been removed.
	Dead VPEState = iota
	// Suspended marks a VPE whose state is parked in kernel memory.
	Suspended
	// Running marks the VPE currently dispatched on its PE.
	Running
)

// VPEFlags is the flag bitset of a VPE.
type VPEFlags uint

const (
	// FlagBootMod marks a VPE loaded from a boot module.
	FlagBootMod VPEFlags = 1 << iota
	// FlagDaemon marks a VPE that never exits on its own.
	FlagDaemon
	// FlagIdle marks the per-PE idle VPE.
	FlagIdle
	// FlagInit requests memory initialization on the next dispatch.
	FlagInit
	// FlagStart requests the application start on the next dispatch.
	FlagStart
	// FlagMuxable allows the VPE to share its PE.
	FlagMuxable
	// FlagReady is set exactly while the VPE is linked in the ready list.
	FlagReady
)

// InvalidSel marks an unset capability selector.
const InvalidSel = ^uint64(0)

// TimeSlice is the cycle budget a VPE gets before round-robin preemption.
const TimeSlice timing.Cycles = 1_000_000

// MaxVPEs bounds the VPE table.
const MaxVPEs = 1024

// A VPE is a virtual PE, the schedulable unit of the kernel.
type VPE struct {
	kernel *Kernel

	id    int
	name  string
	pe    int
	state VPEState
	flags VPEFlags

	dtustate  dtu.State
	lastsched timing.Cycles

	requirements []string
	args         []string
	pid          int
	ep           int
	pfgate       uint64
	group        *VPEGroup

	waiters []func()

	// ready list links, owned by the PE's context switcher
	readyPrev *VPE
	readyNext *VPE
}

func newVPE(
	k *Kernel,
	name string,
	pe, id int,
	flags VPEFlags,
	pfgate uint64,
) *VPE {
	// every VPE needs its memory initialized before its first dispatch
	v := &VPE{
		kernel: k,
		id:     id,
		name:   name,
		pe:     pe,
		flags:  flags | FlagInit,
		state:  Suspended,
		pfgate: pfgate,
	}
	v.dtustate.Reset(dtu.RCTMuxEntry)

	k.VPEs.add(v)
	return v
}

// ID returns the VPE id.
func (v *VPE) ID() int {
	return v.id
}

// Name returns the VPE name.
func (v *VPE) Name() string {
	return v.name
}

// PE returns the tile the VPE is currently placed on.
func (v *VPE) PE() int {
	return v.pe
}

// State returns the lifecycle state.
func (v *VPE) State() VPEState {
	return v.state
}

// Flags returns the flag bitset.
func (v *VPE) Flags() VPEFlags {
	return v.flags
}

// Desc names the VPE on its current PE for DTU commands.
func (v *VPE) Desc() dtu.VPEDesc {
	return dtu.VPEDesc{PE: v.pe, ID: uint64(v.id)}
}

// DTUState returns the saved DTU state. It is valid exactly while the VPE
// is suspended.
func (v *VPE) DTUState() *dtu.State {
	return &v.dtustate
}

// Requirements returns the services the VPE must see before it starts.
func (v *VPE) Requirements() []string {
	return v.requirements
}

// AddRequirement records a service the VPE needs before it may start.
func (v *VPE) AddRequirement(name string) {
	v.requirements = append(v.requirements, name)
}

// MakeDaemon marks the VPE as a daemon.
func (v *VPE) MakeDaemon() {
	v.flags |= FlagDaemon
	v.kernel.VPEs.daemons++
}

// SetArgs records the program arguments.
func (v *VPE) SetArgs(args []string) {
	v.args = args
}

// Args returns the program arguments.
func (v *VPE) Args() []string {
	return v.args
}

// EP returns the endpoint the VPE issues syscalls on.
func (v *VPE) EP() int {
	return v.ep
}

// Pid returns the process id assigned at start.
func (v *VPE) Pid() int {
	return v.pid
}

// StartApp enables the application for scheduling.
func (v *VPE) StartApp(pid int) {
	v.pid = pid
	v.kernel.PEs.StartVPE(v)
}

// SubscribeResume registers a callback fired when the VPE has been
// dispatched and resumed.
func (v *VPE) SubscribeResume(cb func()) {
	v.waiters = append(v.waiters, cb)
}

// NotifyResume fires the resume waiters.
func (v *VPE) NotifyResume() {
	waiters := v.waiters
	v.waiters = nil
	for _, cb := range waiters {
		cb()
	}
}

// InitMemory prepares the PE for the first dispatch of this VPE: the root
// page table is installed if the tile translates addresses, and the boot
// module segments are copied into the tile.
func (v *VPE) InitMemory() error {
	pedesc := v.kernel.Platform.PE(v.pe)

	if pedesc.HasVirtMem() {
		pt, err := v.kernel.Mem.Allocate(pageSize, pageSize)
		if err != nil {
			return fmt.Errorf("root page table for %s: %w", v.name, err)
		}
		v.kernel.DTU.RootPT(v.pe, pt)
	}

	if v.flags&FlagBootMod != 0 {
		return v.copyMod()
	}
	return nil
}

// LoadApp loads the boot module image into the tile.
func (v *VPE) LoadApp(name string) error {
	mod := v.kernel.Platform.Mod(name)
	if mod == nil {
		return fmt.Errorf("boot module %s: %w", name, kif.ErrInvArgs)
	}

	return v.copySegments(mod)
}

func (v *VPE) copyMod() error {
	mod := v.kernel.Platform.Mod(v.name)
	if mod == nil {
		// nothing to copy; the idle VPE has no image
		if v.flags&FlagIdle != 0 {
			return nil
		}
		return fmt.Errorf("boot module %s: %w", v.name, kif.ErrInvArgs)
	}
	return v.copySegments(mod)
}

func (v *VPE) copySegments(mod *BootModule) error {
	desc := dtu.VPEDesc{PE: v.pe, ID: dtu.InvalidVPE}
	for _, seg := range mod.Segments {
		if err := v.kernel.DTU.WriteMem(desc, seg.Addr, seg.Data); err != nil {
			return fmt.Errorf("loading %s: %w", mod.Name, err)
		}
	}
	return nil
}

const pageSize = 0x1000

// VPEGroup gang-schedules its members: two members never share a PE.
type VPEGroup struct {
	vpes []*VPE
}

// NewVPEGroup creates an empty group.
func NewVPEGroup() *VPEGroup {
	return &VPEGroup{}
}

// Add puts a VPE into the group.
func (g *VPEGroup) Add(v *VPE) {
	g.vpes = append(g.vpes, v)
	v.group = g
}

// HasOnPE tells whether a member is already placed on the PE.
func (g *VPEGroup) HasOnPE(pe int) bool {
	for _, v := range g.vpes {
		if v.pe == pe && v.state != Dead {
			return true
		}
	}
	return false
}
