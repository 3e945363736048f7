package timing

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("WorkLoop", func() {
	var (
		clock    *ManualClock
		timeouts *Timeouts
		handler  *mockHandler
		sleeper  *mockSleeper
		loop     *WorkLoop
	)

	BeforeEach(func() {
		clock = new(ManualClock)
		timeouts = NewTimeouts(clock)
		handler = new(mockHandler)
		sleeper = &mockSleeper{clock: clock, maxSleeps: 100}
		loop = NewWorkLoop(timeouts, sleeper)
	})

	It("should drain timeouts until nothing is left", func() {
		timeouts.WaitFor(10, handler, nil)
		timeouts.WaitFor(20, handler, nil)

		loop.Run()

		Expect(handler.handled).To(HaveLen(2))
		Expect(clock.Now()).To(Equal(Cycles(20)))
	})

	It("should follow timeout chains", func() {
		depth := 0
		handler.handleFunc = func(t *Timeout) {
			if depth < 3 {
				depth++
				timeouts.WaitFor(10, handler, depth)
			}
		}
		timeouts.WaitFor(10, handler, 0)

		loop.Run()

		Expect(handler.handled).To(HaveLen(4))
		Expect(clock.Now()).To(Equal(Cycles(40)))
	})

	It("should poll endpoints each iteration", func() {
		poller := &mockPoller{busy: 2}
		loop.AddPoller(poller)

		timeouts.WaitFor(10, handler, nil)

		loop.Run()

		Expect(poller.polls).To(BeNumerically(">=", 3))
	})

	It("should stop when asked to", func() {
		handler.handleFunc = func(t *Timeout) {
			loop.Stop()
			timeouts.WaitFor(10, handler, nil)
		}
		timeouts.WaitFor(10, handler, nil)

		loop.Run()

		Expect(handler.handled).To(HaveLen(1))
		Expect(loop.Stopped()).To(BeTrue())
	})

	It("should end when the sleeper reports no progress", func() {
		loop.Run()

		Expect(sleeper.sleeps).To(Equal(1))
		Expect(loop.Stopped()).To(BeFalse())
	})
})
