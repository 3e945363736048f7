// Package pes implements the kernel's scheduling core: the VPE entity, the
// per-PE context-switch state machine that cooperates with the in-PE
// time-multiplexer, and the PE and VPE managers on top of it.
package pes

// PEType classifies a tile.
type PEType int

const (
	// CompIMem is a compute tile with internal scratchpad memory.
	CompIMem PEType = iota
	// CompEMem is a compute tile with cache and external memory access.
	CompEMem
	// Mem is a memory tile.
	Mem
)

// ISA identifies the instruction set of a compute tile.
type ISA int

const (
	ISANone ISA = iota
	ISAX86
	ISAARM
	ISAXtensa
	ISAAccel
)

// A PEDesc describes a tile. Descriptors are immutable after boot.
type PEDesc struct {
	Type    PEType
	ISA     ISA
	MemSize uint64
}

// HasCache tells whether the tile accesses memory through a cache.
func (d PEDesc) HasCache() bool {
	return d.Type == CompEMem
}

// HasVirtMem tells whether the tile's DTU translates addresses.
func (d PEDesc) HasVirtMem() bool {
	return d.Type == CompEMem
}

// IsProgrammable tells whether the tile can run a VPE.
func (d PEDesc) IsProgrammable() bool {
	return d.Type == CompIMem || d.Type == CompEMem
}

// Matches tells whether the tile can serve a placement request for want.
func (d PEDesc) Matches(want PEDesc) bool {
	return d.Type == want.Type && d.ISA == want.ISA
}

// A Segment is a piece of a boot module image.
type Segment struct {
	Addr uint64
	Data []byte
}

// A BootModule is an application image the kernel loads at boot.
type BootModule struct {
	Name     string
	Entry    uint64
	Segments []Segment
}

// Platform describes the machine: the tiles, the global memory range the
// kernel allocates from, and the boot modules.
type Platform struct {
	PEs      []PEDesc
	MemBase  uint64
	MemSize  uint64
	Mods     []*BootModule
	kernelPE int
}

// NewPlatform describes a machine with the given tiles. The kernel runs on
// kernelPE and allocates from [memBase, memBase+memSize).
func NewPlatform(
	peDescs []PEDesc,
	kernelPE int,
	memBase, memSize uint64,
) *Platform {
	return &Platform{
		PEs:      peDescs,
		MemBase:  memBase,
		MemSize:  memSize,
		kernelPE: kernelPE,
	}
}

// AddMod registers a boot module.
func (p *Platform) AddMod(m *BootModule) {
	p.Mods = append(p.Mods, m)
}

// KernelPE returns the tile the kernel runs on.
func (p *Platform) KernelPE() int {
	return p.kernelPE
}

// PE returns the descriptor of a tile.
func (p *Platform) PE(pe int) PEDesc {
	return p.PEs[pe]
}

// UserPEs returns the ids of the programmable tiles the kernel manages.
func (p *Platform) UserPEs() []int {
	var pes []int
	for i, d := range p.PEs {
		if i != p.kernelPE && d.IsProgrammable() {
			pes = append(pes, i)
		}
	}
	return pes
}

// Mod returns the boot module with the given name.
func (p *Platform) Mod(name string) *BootModule {
	for _, m := range p.Mods {
		if m.Name == name {
			return m
		}
	}
	return nil
}
