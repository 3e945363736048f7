package pes

import (
	"log"
)

// PEManager owns one context switcher per programmable tile and performs
// placement, migration, and yield on top of them.
type PEManager struct {
	kernel    *Kernel
	switchers []*ContextSwitcher
}

// NewPEManager creates the manager and a switcher for every user PE.
func NewPEManager(k *Kernel) *PEManager {
	m := &PEManager{
		kernel:    k,
		switchers: make([]*ContextSwitcher, len(k.Platform.PEs)),
	}
	for _, pe := range k.Platform.UserPEs() {
		m.switchers[pe] = NewContextSwitcher(k, pe)
	}
	return m
}

// Init creates the idle VPEs. It runs after the VPE manager exists.
func (m *PEManager) Init() {
	for _, cs := range m.switchers {
		if cs != nil {
			cs.Init()
		}
	}
}

// Switcher returns the context switcher of a PE, nil for tiles the kernel
// does not schedule.
func (m *PEManager) Switcher(pe int) *ContextSwitcher {
	return m.switchers[pe]
}

// DeprivilegePEs drops the privileged DTU mode of every user PE.
func (m *PEManager) DeprivilegePEs() {
	for _, pe := range m.kernel.Platform.UserPEs() {
		m.kernel.DTU.Deprivilege(pe)
	}
}

// FindPE returns the first PE that matches the descriptor and can accept
// another VPE, or 0 if there is none. A PE with occupants is only eligible
// if the request is muxable, all occupants are muxable, and no member of
// group already sits on it. exceptPE is skipped.
func (m *PEManager) FindPE(
	want PEDesc,
	exceptPE int,
	muxable bool,
	group *VPEGroup,
) int {
	for pe, cs := range m.switchers {
		if cs == nil || pe == exceptPE {
			continue
		}
		if !m.kernel.Platform.PE(pe).Matches(want) {
			continue
		}
		if cs.Count() > 0 && (!muxable || !cs.CanMux()) {
			continue
		}
		if group != nil && group.HasOnPE(pe) {
			continue
		}
		return pe
	}
	return 0
}

// AddVPE hands the VPE to its PE's switcher.
func (m *PEManager) AddVPE(v *VPE) {
	m.switchers[v.pe].Add(v)
}

// RemoveVPE takes the VPE off its PE for good.
func (m *PEManager) RemoveVPE(v *VPE) {
	m.switchers[v.pe].Remove(v, true)
}

// StartVPE enables the VPE for scheduling and performs its first start.
func (m *PEManager) StartVPE(v *VPE) {
	if v.state == Dead {
		return
	}

	v.flags |= FlagStart

	cs := m.switchers[v.pe]
	if cs.Current() == v && cs.state == stateIdle {
		cs.StartVPE()
	} else {
		cs.Unblock(v)
	}
}

// BlockVPE takes the VPE out of its PE's ready list.
func (m *PEManager) BlockVPE(v *VPE) {
	m.switchers[v.pe].Block(v)
}

// UnblockVPE makes the VPE dispatchable again.
func (m *PEManager) UnblockVPE(v *VPE) {
	m.switchers[v.pe].Unblock(v)
}

// MigrateVPE moves the VPE to another PE with the same descriptor. It
// returns false and leaves the VPE in place when no PE is available. With
// fast set the old PE does not switch immediately.
func (m *PEManager) MigrateVPE(v *VPE, fast bool) bool {
	if v.state == Running {
		log.Panicf("migrating %s while it is running", v.name)
	}

	newPE := m.FindPE(m.kernel.Platform.PE(v.pe), v.pe,
		v.flags&FlagMuxable != 0, v.group)
	if newPE == 0 {
		return false
	}

	old := m.switchers[v.pe]
	old.dequeue(v)
	old.count--
	if !fast {
		old.StartSwitch(false)
	}

	v.pe = newPE
	m.switchers[newPE].Add(v)
	return true
}

// YieldVPE gives up the VPE's time slice if other VPEs on its PE are
// ready; otherwise it is a no-op.
func (m *PEManager) YieldVPE(v *VPE) {
	cs := m.switchers[v.pe]

	others := cs.ReadyLen()
	if v.flags&FlagReady != 0 {
		others--
	}
	if others > 0 {
		cs.StartSwitch(false)
	}
}
