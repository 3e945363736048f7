package pes

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tilelab/mantle/kif"
)

// VPEManager owns the global VPE table, allocates ids, tracks VPEs whose
// service requirements are not yet satisfied, and sequences shutdown.
type VPEManager struct {
	kernel *Kernel

	nextID  int
	vpes    []*VPE
	count   int
	daemons int
	pending []*VPE

	shutdown bool
}

// NewVPEManager creates the manager with an empty table.
func NewVPEManager(k *Kernel) *VPEManager {
	return &VPEManager{
		kernel: k,
		vpes:   make([]*VPE, MaxVPEs),
	}
}

// getID allocates the first free VPE id, probing from the most recently
// assigned one and wrapping around once.
func (m *VPEManager) getID() (int, error) {
	id := m.nextID
	for ; id < MaxVPEs && m.vpes[id] != nil; id++ {
	}
	if id == MaxVPEs {
		for id = 0; id < MaxVPEs && m.vpes[id] != nil; id++ {
		}
	}
	if id == MaxVPEs {
		return 0, kif.ErrOutOfVPEs
	}
	m.nextID = id + 1
	return id, nil
}

// VPE returns the VPE with the given id, nil if the slot is empty.
func (m *VPEManager) VPE(id int) *VPE {
	if id < 0 || id >= MaxVPEs {
		return nil
	}
	return m.vpes[id]
}

// Used returns the number of live VPEs, not counting idle VPEs.
func (m *VPEManager) Used() int {
	return m.count
}

// Daemons returns the number of live daemon VPEs.
func (m *VPEManager) Daemons() int {
	return m.daemons
}

// Create places a new VPE on a matching PE. A pager gate requires a PE
// with virtual memory.
func (m *VPEManager) Create(
	name string,
	pe PEDesc,
	ep int,
	pfgate uint64,
	muxable bool,
) (*VPE, error) {
	peid := m.kernel.PEs.FindPE(pe, 0, muxable, nil)
	if peid == 0 {
		return nil, kif.ErrNoFreePE
	}

	// a pager without virtual memory support doesn't work
	if !m.kernel.Platform.PE(peid).HasVirtMem() && pfgate != InvalidSel {
		return nil, kif.ErrInvArgs
	}

	id, err := m.getID()
	if err != nil {
		return nil, err
	}

	var flags VPEFlags
	if muxable {
		flags |= FlagMuxable
	}

	vpe := newVPE(m.kernel, name, peid, id, flags, pfgate)
	vpe.ep = ep
	return vpe, nil
}

// add registers a freshly constructed VPE in the table and, unless it is
// an idle VPE, hands it to the PE manager.
func (m *VPEManager) add(v *VPE) {
	m.vpes[v.id] = v

	if v.flags&FlagIdle == 0 {
		m.count++
		m.kernel.PEs.AddVPE(v)
	}
}

// InitBoot creates the boot-module VPEs from the kernel command line.
// The line is a sequence of segments separated by `--`. The first token of
// a segment names a program and starts a VPE; it is followed by the
// program arguments and then by the kernel arguments `daemon` and
// `requires=<name>`, which modify that VPE. The literal token `idle` is
// recognized without creating a VPE.
func (m *VPEManager) InitBoot(args []string) error {
	// the boot module needs a tile like the kernel's, preferably with a
	// cache
	kdesc := m.kernel.Platform.PE(m.kernel.Platform.KernelPE())
	descCache := PEDesc{Type: CompEMem, ISA: kdesc.ISA, MemSize: kdesc.MemSize}
	descSPM := PEDesc{Type: CompIMem, ISA: kdesc.ISA, MemSize: kdesc.MemSize}

	for i := 0; i < len(args); i++ {
		if args[i] == "--" {
			continue
		}

		var vpe *VPE

		// for idle, don't create a VPE
		if args[i] != "idle" {
			// try to find a PE with the required ISA and a cache first
			peid := m.kernel.PEs.FindPE(descCache, 0, false, nil)
			if peid == 0 {
				peid = m.kernel.PEs.FindPE(descSPM, 0, false, nil)
				if peid == 0 {
					return fmt.Errorf(
						"boot module %s: %w", args[i], kif.ErrNoFreePE)
				}
			}

			id, err := m.getID()
			if err != nil {
				return err
			}

			// multiple applications with the same name are allowed
			vpe = newVPE(m.kernel, args[i], peid, id, FlagBootMod, InvalidSel)
		}

		// find the end of this program's arguments
		karg := false
		j := i + 1
		end := i + 1
		for ; j < len(args); j++ {
			if args[j] == "daemon" {
				if vpe == nil {
					return fmt.Errorf("daemon for idle: %w", kif.ErrInvArgs)
				}
				vpe.MakeDaemon()
				karg = true
			} else if req, ok := strings.CutPrefix(args[j], "requires="); ok {
				if vpe == nil {
					return fmt.Errorf("requires for idle: %w", kif.ErrInvArgs)
				}
				vpe.AddRequirement(req)
				karg = true
			} else if args[j] == "--" {
				break
			} else if karg {
				return fmt.Errorf(
					"kernel argument before program argument: %w",
					kif.ErrInvArgs)
			} else {
				end++
			}
		}

		if vpe != nil {
			vpe.SetArgs(args[i:end])

			// start now or wait for the required services
			if len(vpe.requirements) > 0 {
				m.pending = append(m.pending, vpe)
			} else {
				vpe.StartApp(vpe.id)
			}
		}

		i = j
	}

	return nil
}

// DiskName synthesizes the boot name of a disk-driver VPE from the device
// id and the partition index.
func DiskName(device, partition int) string {
	return "hd" + string(rune('a'+device)) + strconv.Itoa(partition)
}

// StartPending starts every pending VPE whose requirements are all
// satisfied by the registered services.
func (m *VPEManager) StartPending() {
	remaining := m.pending[:0]
	for _, vpe := range m.pending {
		fulfilled := true
		for _, r := range vpe.requirements {
			if m.kernel.Services.Find(r) == nil {
				fulfilled = false
				break
			}
		}

		if fulfilled {
			vpe.StartApp(vpe.id)
		} else {
			remaining = append(remaining, vpe)
		}
	}
	m.pending = remaining
}

// Pending returns the number of VPEs waiting for services.
func (m *VPEManager) Pending() int {
	return len(m.pending)
}

// Remove takes a VPE out of the system. When the last VPE is gone the work
// loop stops; when only daemons remain the shutdown sequence begins.
func (m *VPEManager) Remove(v *VPE) {
	m.kernel.PEs.RemoveVPE(v)

	// afterwards, because actions on the way may look the VPE up
	m.vpes[v.id] = nil

	if v.flags&FlagIdle != 0 {
		return
	}

	if v.flags&FlagDaemon != 0 {
		m.daemons--
	}
	m.count--

	if m.count == 0 {
		m.kernel.WorkLoop.Stop()
	} else if m.count == m.daemons {
		m.beginShutdown()
	}
}

// beginShutdown asks every registered service to shut down, exactly once.
func (m *VPEManager) beginShutdown() {
	if m.shutdown {
		return
	}
	m.shutdown = true

	m.kernel.Services.Shutdown()
}
