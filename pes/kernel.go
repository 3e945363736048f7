package pes

import (
	"log"

	"github.com/tilelab/mantle/dtu"
	"github.com/tilelab/mantle/kif"
	"github.com/tilelab/mantle/mem/memmap"
	"github.com/tilelab/mantle/services"
	"github.com/tilelab/mantle/timing"
)

// Kernel bundles the kernel-wide state: the platform description, the DTU
// facade, the timeout heap and work loop, the global memory map, the
// service registry, and the two managers. It is constructed once at boot
// and threaded to every handler.
type Kernel struct {
	Platform *Platform
	DTU      *dtu.DTU
	Timeouts *timing.Timeouts
	WorkLoop *timing.WorkLoop
	Mem      *memmap.Map
	Services *services.List
	PEs      *PEManager
	VPEs     *VPEManager

	// VPELog receives the scheduling trace when non-nil.
	VPELog *log.Logger
}

// NewKernel boots the kernel over the given fabric: the managers are
// created, the idle VPEs constructed, and the user PEs deprivileged.
func NewKernel(platform *Platform, fabric dtu.Fabric) *Kernel {
	d := dtu.New(fabric, platform.KernelPE())
	timeouts := timing.NewTimeouts(d)

	k := &Kernel{
		Platform: platform,
		DTU:      d,
		Timeouts: timeouts,
		WorkLoop: timing.NewWorkLoop(timeouts, d),
		Mem:      memmap.New(platform.MemBase, platform.MemSize),
		Services: services.NewList(d),
	}

	k.PEs = NewPEManager(k)
	k.VPEs = NewVPEManager(k)
	k.PEs.Init()
	k.PEs.DeprivilegePEs()

	d.ConfigRecv(platform.KernelPE(), kif.SyscallEP, 0, 12, 8)

	return k
}

func (k *Kernel) vpelogf(format string, args ...interface{}) {
	if k.VPELog != nil {
		k.VPELog.Printf(format, args...)
	}
}
