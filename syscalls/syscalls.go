// Package syscalls dispatches the syscall subset that drives the
// scheduling core. Requests arrive as typed payloads on the kernel's
// syscall receive endpoint; each variant has exactly one handler.
package syscalls

import (
	"log"

	"github.com/tilelab/mantle/dtu"
	"github.com/tilelab/mantle/kif"
	"github.com/tilelab/mantle/pes"
)

// CreateVPE asks for a new VPE on a PE matching the descriptor.
type CreateVPE struct {
	Name    string
	PE      pes.PEDesc
	EP      int
	PFGate  uint64
	Muxable bool
}

// VPECtrl starts, stops, or yields a VPE.
type VPECtrl struct {
	VPE int
	Op  kif.VPEOp
	Pid int
}

// RegServ registers a service reachable at the caller's PE.
type RegServ struct {
	Name  string
	EP    int
	Label uint64
}

// Exit ends the calling VPE.
type Exit struct {
	VPE  int
	Code int
}

// Reply is the kernel's answer to any syscall.
type Reply struct {
	Err error
	VPE int
}

// Handler polls the syscall endpoint and dispatches requests. It is
// registered as a work-loop poller.
type Handler struct {
	kernel *pes.Kernel
	ep     int
}

// NewHandler creates the dispatcher for the kernel's syscall endpoint.
func NewHandler(k *pes.Kernel) *Handler {
	return &Handler{kernel: k, ep: kif.SyscallEP}
}

// Poll fetches and handles one syscall message. It reports whether it made
// progress.
func (h *Handler) Poll() bool {
	msg := h.kernel.DTU.FetchMsg(h.ep)
	if msg == nil {
		return false
	}

	h.handle(msg)
	return true
}

func (h *Handler) handle(msg *dtu.Message) {
	var rep Reply

	switch req := msg.Payload.(type) {
	case CreateVPE:
		rep = h.createVPE(req)
	case VPECtrl:
		rep = h.vpeCtrl(req)
	case RegServ:
		rep = h.regServ(msg, req)
	case Exit:
		rep = h.exit(req)
	default:
		// capability plumbing is handled elsewhere; everything unknown
		// is malformed
		rep = Reply{Err: kif.ErrInvArgs}
	}

	if err := h.kernel.DTU.Reply(msg, rep); err != nil {
		log.Printf("syscall reply failed: %v", err)
	}
}

func (h *Handler) createVPE(req CreateVPE) Reply {
	vpe, err := h.kernel.VPEs.Create(
		req.Name, req.PE, req.EP, req.PFGate, req.Muxable)
	if err != nil {
		return Reply{Err: err}
	}
	return Reply{VPE: vpe.ID()}
}

func (h *Handler) vpeCtrl(req VPECtrl) Reply {
	vpe := h.kernel.VPEs.VPE(req.VPE)
	if vpe == nil {
		return Reply{Err: kif.ErrInvArgs}
	}

	switch req.Op {
	case kif.VCtrlStart:
		vpe.StartApp(req.Pid)
	case kif.VCtrlStop:
		h.kernel.VPEs.Remove(vpe)
	case kif.VCtrlYield:
		h.kernel.PEs.YieldVPE(vpe)
	default:
		return Reply{Err: kif.ErrInvArgs}
	}
	return Reply{}
}

func (h *Handler) regServ(msg *dtu.Message, req RegServ) Reply {
	_, err := h.kernel.Services.Register(
		req.Name, msg.SenderPE, req.EP, req.Label)
	if err != nil {
		return Reply{Err: err}
	}

	// a new service may unblock pending VPEs
	h.kernel.VPEs.StartPending()
	return Reply{}
}

func (h *Handler) exit(req Exit) Reply {
	vpe := h.kernel.VPEs.VPE(req.VPE)
	if vpe == nil {
		return Reply{Err: kif.ErrInvArgs}
	}

	h.kernel.VPEs.Remove(vpe)
	return Reply{}
}
