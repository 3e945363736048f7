package dtu

import (
	"bytes"
	"encoding/binary"
)

// State is a snapshot of the software-visible DTU state of a PE: the VPE id
// register, the idle cycle counter, and all endpoint registers. It is taken
// when a VPE is suspended and written back when it is resumed.
type State struct {
	VPEID    uint64
	IdleTime uint64
	Entry    uint64
	Eps      [NumEps][NumEpRegs]uint64
}

// Save reads the snapshot from the PE named by vpe.
func (s *State) Save(d *DTU, vpe VPEDesc) {
	s.VPEID = d.VPEID(vpe.PE)
	s.IdleTime = d.IdleTime(vpe.PE)
	for ep := 0; ep < NumEps; ep++ {
		s.Eps[ep] = d.EpRegs(vpe.PE, ep)
	}
}

// Reset prepares the state for a fresh dispatch: all endpoints are
// invalidated, the idle counter cleared, and the core will enter at entry.
func (s *State) Reset(entry uint64) {
	s.Entry = entry
	s.IdleTime = 0
	for ep := range s.Eps {
		s.Eps[ep] = [NumEpRegs]uint64{uint64(EpInvalid), 0, 0}
	}
}

// Restore writes the snapshot back to the PE named by vpe, then assigns
// newID to the VPE id register. The restore is issued against the id in
// vpe, which is the id the target DTU currently carries.
func (s *State) Restore(d *DTU, vpe VPEDesc, newID uint64) {
	d.Reset(vpe, s.Entry)
	for ep := 0; ep < NumEps; ep++ {
		d.SetEpRegs(vpe.PE, ep, s.Eps[ep])
	}
	d.fabric.WriteReg(vpe.PE, RegIdleTime, s.IdleTime)
	d.SetVPEID(vpe.PE, newID)
	s.VPEID = newID
}

// MarshalBinary encodes the snapshot for the save area in PE-local memory.
func (s *State) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, v := range []uint64{s.VPEID, s.IdleTime, s.Entry} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(buf, binary.LittleEndian, s.Eps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a snapshot written by MarshalBinary.
func (s *State) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	for _, v := range []*uint64{&s.VPEID, &s.IdleTime, &s.Entry} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return binary.Read(r, binary.LittleEndian, &s.Eps)
}
