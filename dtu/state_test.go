package dtu

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("State", func() {
	It("should round-trip through memory bit-equal", func() {
		s := State{
			VPEID:    42,
			IdleTime: 123456,
			Entry:    RCTMuxEntry,
		}
		for ep := 0; ep < NumEps; ep++ {
			s.Eps[ep] = [NumEpRegs]uint64{
				uint64(EpSend),
				uint64(ep) << 32,
				0xDEAD_0000 + uint64(ep),
			}
		}

		data, err := s.MarshalBinary()
		Expect(err).ToNot(HaveOccurred())

		restored := State{}
		Expect(restored.UnmarshalBinary(data)).To(Succeed())
		Expect(restored).To(Equal(s))
	})

	It("should invalidate all endpoints on reset", func() {
		s := State{}
		for ep := 0; ep < NumEps; ep++ {
			s.Eps[ep] = [NumEpRegs]uint64{uint64(EpReceive), 1, 2}
		}
		s.IdleTime = 99

		s.Reset(RCTMuxEntry)

		Expect(s.Entry).To(Equal(RCTMuxEntry))
		Expect(s.IdleTime).To(BeZero())
		for ep := 0; ep < NumEps; ep++ {
			Expect(EpType(s.Eps[ep][0])).To(Equal(EpInvalid))
		}
	})
})
