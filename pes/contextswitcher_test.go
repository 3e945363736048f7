package pes

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tilelab/mantle/hardware"
)

var _ = Describe("ContextSwitcher", func() {
	var (
		k     *Kernel
		muxes []*hardware.Mux
		rec   *hookRecorder
	)

	BeforeEach(func() {
		k, _, muxes = newTestKernel(4)
		rec = new(hookRecorder)
		for _, pe := range k.Platform.UserPEs() {
			k.PEs.Switcher(pe).AcceptHook(rec)
		}
	})

	It("should start a single boot VPE and settle", func() {
		Expect(k.VPEs.InitBoot([]string{"hello"})).To(Succeed())

		cs := k.PEs.Switcher(1)
		Expect(cs.Current().Name()).To(Equal("hello"))

		step(k, 100)

		Expect(cs.state).To(Equal(stateIdle))
		Expect(cs.Current().Name()).To(Equal("hello"))
		Expect(cs.Current().State()).To(Equal(Running))
		Expect(cs.Current().Flags() & (FlagInit | FlagStart)).To(BeZero())

		// a lone VPE does not get a round-robin timer
		Expect(k.Timeouts.Len()).To(Equal(0))
	})

	It("should round-robin two muxable VPEs on one PE", func() {
		desc := k.Platform.PE(1)
		a, err := k.VPEs.Create("a", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())
		b, err := k.VPEs.Create("b", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())
		Expect(a.PE()).To(Equal(1))
		Expect(b.PE()).To(Equal(1))

		a.StartApp(a.ID())

		// let a's restore complete; the round-robin timer gets armed
		cs := k.PEs.Switcher(1)
		settle(k, cs)
		Expect(cs.Current()).To(BeIdenticalTo(a))
		Expect(cs.timeout).ToNot(BeNil())

		// the slice expires: a is stored, b dispatched
		for i := 0; i < 50 && cs.Current() == a; i++ {
			step(k, 1)
		}
		settle(k, cs)

		Expect(cs.Current()).To(BeIdenticalTo(b))
		Expect(a.State()).To(Equal(Suspended))
		Expect(b.State()).To(Equal(Running))
		Expect(rec.suspends).To(ContainElement("a"))
	})

	It("should visit every ready VPE once per full cycle", func() {
		desc := k.Platform.PE(1)
		for _, n := range []string{"a", "b", "c"} {
			_, err := k.VPEs.Create(n, desc, 0, InvalidSel, true)
			Expect(err).ToNot(HaveOccurred())
		}

		step(k, 200)

		cs := k.PEs.Switcher(1)
		Expect(cs.ReadyLen()).To(Equal(3))

		// drop the dispatches of the warm-up phase
		rec.dispatches = nil
		step(k, 120)

		Expect(len(rec.dispatches)).To(BeNumerically(">=", 6))
		for i := 3; i < 6; i++ {
			Expect(rec.dispatches[i]).To(Equal(rec.dispatches[i-3]))
		}
		Expect(rec.dispatches[:3]).To(ConsistOf("a", "b", "c"))
	})

	It("should never run two VPEs on one PE", func() {
		desc := k.Platform.PE(1)
		for _, n := range []string{"a", "b", "c"} {
			_, err := k.VPEs.Create(n, desc, 0, InvalidSel, true)
			Expect(err).ToNot(HaveOccurred())
		}

		for i := 0; i < 50; i++ {
			step(k, 5)
			for pe, count := range runningPerPE(k) {
				Expect(count).To(BeNumerically("<=", 1),
					"PE %d runs %d VPEs", pe, count)
			}
		}
	})

	It("should dequeue a VPE whose application blocked", func() {
		desc := k.Platform.PE(1)
		a, _ := k.VPEs.Create("a", desc, 0, InvalidSel, true)
		b, _ := k.VPEs.Create("b", desc, 0, InvalidSel, true)

		cs := k.PEs.Switcher(1)
		settle(k, cs)

		cur := cs.Current()
		other := a
		if cur == a {
			other = b
		}

		// the application asks to block at the next store
		muxes[1].RequestBlock()
		cs.StartSwitch(false)
		settle(k, cs)

		Expect(cur.Flags() & FlagReady).To(BeZero())
		Expect(cur.State()).To(Equal(Suspended))
		Expect(cs.ReadyLen()).To(Equal(1))
		Expect(cs.Current()).To(BeIdenticalTo(other))
	})

	It("should fall back to the idle VPE when everything blocked", func() {
		desc := k.Platform.PE(1)
		a, _ := k.VPEs.Create("a", desc, 0, InvalidSel, true)

		cs := k.PEs.Switcher(1)
		settle(k, cs)
		Expect(cs.Current()).To(BeIdenticalTo(a))

		muxes[1].RequestBlock()
		cs.StartSwitch(false)
		settle(k, cs)

		Expect(cs.ReadyLen()).To(Equal(0))
		Expect(cs.Current()).To(BeIdenticalTo(cs.idle))
		Expect(cs.Current().State()).To(Equal(Running))
	})

	It("should keep at most one completion timer in flight", func() {
		// a single VPE on one PE with no slice timer: everything pending
		// must be the one poll timer of the in-flight switch
		desc := k.Platform.PE(1)
		_, err := k.VPEs.Create("a", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())

		for i := 0; i < 30; i++ {
			Expect(k.Timeouts.Len()).To(BeNumerically("<=", 1))
			step(k, 1)
		}
	})

	It("should arm the round-robin timer before going idle", func() {
		desc := k.Platform.PE(1)
		_, err := k.VPEs.Create("a", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())
		_, err = k.VPEs.Create("b", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())

		cs := k.PEs.Switcher(1)
		settle(k, cs)

		Expect(cs.state).To(Equal(stateIdle))
		Expect(cs.ReadyLen()).To(BeNumerically(">", 1))
		Expect(cs.timeout).ToNot(BeNil())
	})

	It("should restart scheduling when the current VPE is removed", func() {
		desc := k.Platform.PE(1)
		a, _ := k.VPEs.Create("a", desc, 0, InvalidSel, true)
		b, _ := k.VPEs.Create("b", desc, 0, InvalidSel, true)

		cs := k.PEs.Switcher(1)
		settle(k, cs)

		cur := cs.Current()
		other := a
		if cur == a {
			other = b
		}

		k.VPEs.Remove(cur)
		settle(k, cs)

		Expect(cs.Current()).To(BeIdenticalTo(other))
		Expect(other.State()).To(Equal(Running))
		Expect(k.VPEs.VPE(cur.ID())).To(BeNil())
	})
})
