package memmap

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tilelab/mantle/kif"
)

var _ = Describe("Map", func() {
	var m *Map

	BeforeEach(func() {
		m = New(0, 0x10000)
	})

	AfterEach(func() {
		m.Destroy()
	})

	It("should start with one area covering everything", func() {
		total, areas := m.Size()
		Expect(total).To(Equal(uint64(0x10000)))
		Expect(areas).To(Equal(1))
	})

	It("should allocate first-fit with alignment", func() {
		addr, err := m.Allocate(0x1000, 0x1000)
		Expect(err).ToNot(HaveOccurred())
		Expect(addr).To(Equal(uint64(0x0)))

		addr, err = m.Allocate(0x800, 0x1000)
		Expect(err).ToNot(HaveOccurred())
		Expect(addr).To(Equal(uint64(0x1000)))

		m.Free(0x1000, 0x800)

		total, areas := m.Size()
		Expect(total).To(Equal(uint64(0xE800)))
		Expect(areas).To(Equal(2))
	})

	It("should return aligned addresses", func() {
		_, err := m.Allocate(0x10, 1)
		Expect(err).ToNot(HaveOccurred())

		addr, err := m.Allocate(0x100, 0x40)
		Expect(err).ToNot(HaveOccurred())
		Expect(addr % 0x40).To(Equal(uint64(0)))
	})

	It("should keep the alignment padding allocatable", func() {
		_, err := m.Allocate(0x10, 1)
		Expect(err).ToNot(HaveOccurred())

		_, err = m.Allocate(0x100, 0x1000)
		Expect(err).ToNot(HaveOccurred())

		// the padding in front of the aligned block is still free
		addr, err := m.Allocate(0x10, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(addr).To(Equal(uint64(0x10)))
	})

	It("should fail when nothing fits", func() {
		_, err := m.Allocate(0x8000, 1)
		Expect(err).ToNot(HaveOccurred())

		_, err = m.Allocate(0x9000, 1)
		Expect(err).To(MatchError(kif.ErrOutOfSpace))
	})

	It("should conserve bytes over allocate and free", func() {
		before, _ := m.Size()

		a1, err := m.Allocate(0x123, 0x10)
		Expect(err).ToNot(HaveOccurred())
		a2, err := m.Allocate(0x1000, 0x1000)
		Expect(err).ToNot(HaveOccurred())
		a3, err := m.Allocate(0x40, 0x8)
		Expect(err).ToNot(HaveOccurred())

		m.Free(a2, 0x1000)
		m.Free(a1, 0x123)
		m.Free(a3, 0x40)

		after, areas := m.Size()
		Expect(after).To(Equal(before))
		Expect(areas).To(Equal(1))
	})

	It("should merge with both neighbours", func() {
		a1, _ := m.Allocate(0x1000, 1)
		a2, _ := m.Allocate(0x1000, 1)
		a3, _ := m.Allocate(0x1000, 1)

		m.Free(a1, 0x1000)
		m.Free(a3, 0x1000)

		_, areas := m.Size()
		Expect(areas).To(Equal(2))

		// freeing the middle block glues everything back together
		m.Free(a2, 0x1000)

		total, areas := m.Size()
		Expect(total).To(Equal(uint64(0x10000)))
		Expect(areas).To(Equal(1))
	})

	It("should keep areas sorted and non-adjacent", func() {
		addrs := []uint64{}
		for i := 0; i < 16; i++ {
			a, err := m.Allocate(0x100, 0x80)
			Expect(err).ToNot(HaveOccurred())
			addrs = append(addrs, a)
		}

		// free every other block, then the rest in reverse
		for i := 0; i < 16; i += 2 {
			m.Free(addrs[i], 0x100)
		}
		for i := 15; i > 0; i -= 2 {
			m.Free(addrs[i], 0x100)
		}

		last := ^uint64(0)
		for a := m.list; a != nil; a = a.next {
			if last != ^uint64(0) {
				Expect(a.Addr).To(BeNumerically(">", last))
			}
			last = a.Addr + a.Size
		}

		total, areas := m.Size()
		Expect(total).To(Equal(uint64(0x10000)))
		Expect(areas).To(Equal(1))
	})
})
