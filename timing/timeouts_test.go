package timing

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Timeouts", func() {
	var (
		clock    *ManualClock
		timeouts *Timeouts
		handler  *mockHandler
	)

	BeforeEach(func() {
		clock = new(ManualClock)
		timeouts = NewTimeouts(clock)
		handler = new(mockHandler)
	})

	It("should dispatch due timeouts in deadline order", func() {
		t3 := timeouts.WaitFor(30, handler, "c")
		t1 := timeouts.WaitFor(10, handler, "a")
		t2 := timeouts.WaitFor(20, handler, "b")

		clock.Advance(30)
		timeouts.Tick()

		Expect(handler.handled).To(Equal([]*Timeout{t1, t2, t3}))
		Expect(timeouts.Len()).To(Equal(0))
	})

	It("should keep insertion order for equal deadlines", func() {
		t1 := timeouts.WaitFor(10, handler, "first")
		t2 := timeouts.WaitFor(10, handler, "second")
		t3 := timeouts.WaitFor(10, handler, "third")

		clock.Advance(10)
		timeouts.Tick()

		Expect(handler.handled).To(Equal([]*Timeout{t1, t2, t3}))
	})

	It("should not dispatch timeouts that are not due", func() {
		timeouts.WaitFor(10, handler, nil)
		timeouts.WaitFor(20, handler, nil)

		clock.Advance(10)
		timeouts.Tick()

		Expect(handler.handled).To(HaveLen(1))
		Expect(timeouts.Len()).To(Equal(1))
	})

	It("should cancel by handle", func() {
		t1 := timeouts.WaitFor(10, handler, nil)
		t2 := timeouts.WaitFor(20, handler, nil)
		t3 := timeouts.WaitFor(30, handler, nil)

		timeouts.Cancel(t2)

		clock.Advance(30)
		timeouts.Tick()

		Expect(handler.handled).To(Equal([]*Timeout{t1, t3}))
	})

	It("should tolerate cancelling a fired timeout", func() {
		t1 := timeouts.WaitFor(10, handler, nil)

		clock.Advance(10)
		timeouts.Tick()

		timeouts.Cancel(t1)
		Expect(timeouts.Len()).To(Equal(0))
	})

	It("should defer re-entrant insertions to the next tick", func() {
		handler.handleFunc = func(t *Timeout) {
			if t.Reason() == "outer" {
				timeouts.WaitFor(0, handler, "inner")
			}
		}

		timeouts.WaitFor(10, handler, "outer")

		clock.Advance(10)
		timeouts.Tick()

		Expect(handler.handled).To(HaveLen(1))
		Expect(timeouts.Len()).To(Equal(1))

		timeouts.Tick()
		Expect(handler.handled).To(HaveLen(2))
		Expect(handler.handled[1].Reason()).To(Equal("inner"))
	})

	It("should report the next deadline", func() {
		_, ok := timeouts.NextDeadline()
		Expect(ok).To(BeFalse())

		timeouts.WaitFor(25, handler, nil)
		deadline, ok := timeouts.NextDeadline()
		Expect(ok).To(BeTrue())
		Expect(deadline).To(Equal(Cycles(25)))
	})

	It("should invoke hooks around dispatch", func() {
		positions := []*HookPos{}
		timeouts.AcceptHook(hookFunc(func(ctx HookCtx) {
			positions = append(positions, ctx.Pos)
		}))

		timeouts.WaitFor(5, handler, nil)
		clock.Advance(5)
		timeouts.Tick()

		Expect(positions).To(Equal([]*HookPos{
			HookPosBeforeTimeout, HookPosAfterTimeout,
		}))
	})
})

type hookFunc func(ctx HookCtx)

func (f hookFunc) Func(ctx HookCtx) {
	f(ctx)
}
