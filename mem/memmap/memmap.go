// Package memmap provides the kernel's free-space allocator. A Map manages
// a single contiguous address range with a sorted free list and hands out
// aligned sub-ranges for DTU buffers, boot-module images, and multiplexer
// save areas.
package memmap

import (
	"log"

	"github.com/tilelab/mantle/kif"
)

// NoAddr is returned when no area can satisfy an allocation.
const NoAddr = ^uint64(0)

// MaxAreas bounds the global area pool. Exhaustion is fatal, as callers are
// expected to free more than they allocate over the long term.
const MaxAreas = 4096

// An Area is a half-open interval [Addr, Addr+Size) of free space. Areas in
// a map are sorted by address and pairwise non-adjacent.
type Area struct {
	Addr uint64
	Size uint64
	next *Area
}

var freelist *Area
var areaPool [MaxAreas]Area

func init() {
	for i := range areaPool {
		areaPool[i].next = freelist
		freelist = &areaPool[i]
	}
}

func newArea() *Area {
	if freelist == nil {
		log.Panic("no free areas")
	}

	a := freelist
	freelist = a.next
	a.next = nil
	return a
}

func recycleArea(a *Area) {
	a.next = freelist
	freelist = a
}

// A Map is a sorted free list over a contiguous address range.
type Map struct {
	list *Area
}

// New creates a map over [addr, addr+size), all of it free.
func New(addr, size uint64) *Map {
	m := &Map{list: newArea()}
	m.list.Addr = addr
	m.list.Size = size
	return m
}

// Destroy returns all areas of the map to the pool.
func (m *Map) Destroy() {
	for a := m.list; a != nil; {
		n := a.next
		recycleArea(a)
		a = n
	}
	m.list = nil
}

func roundUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}

// Allocate hands out size bytes aligned to align, first-fit. It returns
// NoAddr and kif.ErrOutOfSpace if no area fits.
func (m *Map) Allocate(size, align uint64) (uint64, error) {
	var a *Area
	var p *Area
	for a = m.list; a != nil; p, a = a, a.next {
		diff := roundUp(a.Addr, align) - a.Addr
		if a.Size > diff && a.Size-diff >= size {
			break
		}
	}
	if a == nil {
		return NoAddr, kif.ErrOutOfSpace
	}

	// if we need to do some alignment, create a new area in front of a
	diff := roundUp(a.Addr, align) - a.Addr
	if diff != 0 {
		n := newArea()
		n.Addr = a.Addr
		n.Size = diff
		if p != nil {
			p.next = n
		} else {
			m.list = n
		}
		n.next = a

		a.Addr += diff
		a.Size -= diff
		p = n
	}

	// take it from the front
	res := a.Addr
	a.Size -= size
	a.Addr += size
	// if the area is empty now, remove it
	if a.Size == 0 {
		if p != nil {
			p.next = a.next
		} else {
			m.list = a.next
		}
		recycleArea(a)
	}

	return res, nil
}

// Free returns [addr, addr+size) to the map, merging with the neighbouring
// areas where they touch.
func (m *Map) Free(addr, size uint64) {
	// find the area behind ours
	var n *Area
	var p *Area
	for n = m.list; n != nil && addr > n.Addr; p, n = n, n.next {
	}

	switch {
	// merge with prev and next
	case p != nil && p.Addr+p.Size == addr && n != nil && addr+size == n.Addr:
		p.Size += size + n.Size
		p.next = n.next
		recycleArea(n)

	// merge with prev
	case p != nil && p.Addr+p.Size == addr:
		p.Size += size

	// merge with next
	case n != nil && addr+size == n.Addr:
		n.Addr -= size
		n.Size += size

	// create new area between them
	default:
		a := newArea()
		a.Addr = addr
		a.Size = size
		if p != nil {
			p.next = a
		} else {
			m.list = a
		}
		a.next = n
	}
}

// Size returns the total number of free bytes and the number of areas.
func (m *Map) Size() (uint64, int) {
	var total uint64
	count := 0
	for a := m.list; a != nil; a = a.next {
		total += a.Size
		count++
	}
	return total, count
}
