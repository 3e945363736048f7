package pes

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tilelab/mantle/dtu"
	"github.com/tilelab/mantle/hardware"
)

var _ = Describe("PEManager", func() {
	var (
		k      *Kernel
		fabric *hardware.Fabric
	)

	BeforeEach(func() {
		k, fabric, _ = newTestKernel(4)
	})

	It("should deprivilege all user PEs at boot", func() {
		for _, pe := range k.Platform.UserPEs() {
			features := fabric.ReadReg(pe, dtu.RegFeatures)
			Expect(features & dtu.FeaturePriv).To(BeZero())
		}
	})

	It("should place in id order", func() {
		desc := k.Platform.PE(1)
		Expect(k.PEs.FindPE(desc, 0, false, nil)).To(Equal(1))
	})

	It("should skip the excluded PE", func() {
		desc := k.Platform.PE(1)
		Expect(k.PEs.FindPE(desc, 1, false, nil)).To(Equal(2))
	})

	It("should not share a PE with a non-muxable VPE", func() {
		desc := k.Platform.PE(1)
		_, err := k.VPEs.Create("a", desc, 0, InvalidSel, false)
		Expect(err).ToNot(HaveOccurred())

		Expect(k.PEs.FindPE(desc, 0, true, nil)).To(Equal(2))
	})

	It("should share a PE only between muxable VPEs", func() {
		desc := k.Platform.PE(1)
		a, err := k.VPEs.Create("a", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())
		Expect(a.PE()).To(Equal(1))

		// non-muxable requests skip the occupied PE
		Expect(k.PEs.FindPE(desc, 0, false, nil)).To(Equal(2))
		// muxable requests join it
		Expect(k.PEs.FindPE(desc, 0, true, nil)).To(Equal(1))
	})

	It("should keep group members on distinct PEs", func() {
		desc := k.Platform.PE(1)
		group := NewVPEGroup()

		a, err := k.VPEs.Create("a", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())
		group.Add(a)

		Expect(k.PEs.FindPE(desc, 0, true, group)).To(Equal(2))
	})

	It("should report failure as PE 0", func() {
		want := PEDesc{Type: CompIMem, ISA: ISAXtensa}
		Expect(k.PEs.FindPE(want, 0, false, nil)).To(Equal(0))
	})

	It("should migrate a suspended VPE to a free PE", func() {
		desc := k.Platform.PE(1)
		a, _ := k.VPEs.Create("a", desc, 0, InvalidSel, true)
		b, _ := k.VPEs.Create("b", desc, 0, InvalidSel, true)
		Expect(b.PE()).To(Equal(1))

		cs := k.PEs.Switcher(1)
		settle(k, cs)

		// migrate whichever of the two is suspended right now
		moving := a
		if cs.Current() == a {
			moving = b
		}
		Expect(moving.State()).To(Equal(Suspended))

		Expect(k.PEs.MigrateVPE(moving, false)).To(BeTrue())
		Expect(moving.PE()).To(Equal(2))

		settle(k, cs)
		settle(k, k.PEs.Switcher(2))
		Expect(k.PEs.Switcher(2).Current()).To(BeIdenticalTo(moving))
		Expect(cs.ReadyLen()).To(Equal(1))
	})

	It("should fail migration when no PE fits", func() {
		k2, _, _ := newTestKernel(2)
		desc := k2.Platform.PE(1)
		a, err := k2.VPEs.Create("a", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())

		settle(k2, k2.PEs.Switcher(1))
		a.state = Suspended

		Expect(k2.PEs.MigrateVPE(a, false)).To(BeFalse())
		Expect(a.PE()).To(Equal(1))
	})

	It("should yield only when others are ready", func() {
		desc := k.Platform.PE(1)
		a, _ := k.VPEs.Create("a", desc, 0, InvalidSel, true)

		cs := k.PEs.Switcher(1)
		settle(k, cs)
		Expect(cs.Current()).To(BeIdenticalTo(a))

		// nobody else: a keeps the PE
		k.PEs.YieldVPE(a)
		Expect(cs.state).To(Equal(stateIdle))
		Expect(cs.Current()).To(BeIdenticalTo(a))

		_, err := k.VPEs.Create("b", desc, 0, InvalidSel, true)
		Expect(err).ToNot(HaveOccurred())
		settle(k, cs)

		cur := cs.Current()
		k.PEs.YieldVPE(cur)
		settle(k, cs)
		Expect(cs.Current()).ToNot(BeIdenticalTo(cur))
	})
})
