package pes

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tilelab/mantle/timing"
)

var _ = Describe("Kernel", func() {
	It("should boot a module and settle through the work loop", func() {
		k, _, _ := newTestKernel(4)
		Expect(k.VPEs.InitBoot([]string{"hello"})).To(Succeed())

		// the loop returns once neither timers nor devices can progress
		k.WorkLoop.Run()

		cs := k.PEs.Switcher(1)
		Expect(cs.state).To(Equal(stateIdle))
		Expect(cs.Current().Name()).To(Equal("hello"))
		Expect(cs.Current().State()).To(Equal(Running))
	})

	It("should alternate two muxable VPEs through the work loop", func() {
		k, _, _ := newTestKernel(4)
		desc := k.Platform.PE(1)

		_, err := k.VPEs.Create("a", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())
		_, err = k.VPEs.Create("b", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())

		rec := new(hookRecorder)
		k.PEs.Switcher(1).AcceptHook(rec)
		k.PEs.Switcher(1).AcceptHook(stopAfterDispatches{k: k, rec: rec, n: 6})

		k.WorkLoop.Run()

		Expect(len(rec.dispatches)).To(BeNumerically(">=", 6))
		for i := 1; i < 6; i++ {
			Expect(rec.dispatches[i]).ToNot(Equal(rec.dispatches[i-1]))
		}
	})
})

// stopAfterDispatches ends the run after n recorded dispatches.
type stopAfterDispatches struct {
	k   *Kernel
	rec *hookRecorder
	n   int
}

func (s stopAfterDispatches) Func(ctx timing.HookCtx) {
	if ctx.Pos == HookPosDispatch && len(s.rec.dispatches) >= s.n {
		s.k.WorkLoop.Stop()
	}
}
