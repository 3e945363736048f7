package pes

// readyList is the per-PE list of dispatchable VPEs. It is intrusive over
// the VPE's ready links and keeps insertion order; the context switcher's
// round-robin cursor walks it.
type readyList struct {
	head *VPE
	tail *VPE
	len  int
}

func (l *readyList) append(v *VPE) {
	v.readyPrev = l.tail
	v.readyNext = nil
	if l.tail != nil {
		l.tail.readyNext = v
	} else {
		l.head = v
	}
	l.tail = v
	l.len++
}

func (l *readyList) remove(v *VPE) {
	if v.readyPrev != nil {
		v.readyPrev.readyNext = v.readyNext
	} else {
		l.head = v.readyNext
	}
	if v.readyNext != nil {
		v.readyNext.readyPrev = v.readyPrev
	} else {
		l.tail = v.readyPrev
	}
	v.readyPrev = nil
	v.readyNext = nil
	l.len--
}

// next returns the element after v, wrapping to the head at the end.
func (l *readyList) next(v *VPE) *VPE {
	if v == nil || v.readyNext == nil {
		return l.head
	}
	return v.readyNext
}
