package timing

import (
	"log"
	"reflect"
)

// A Named object is an object that has a name.
type Named interface {
	Name() string
}

// TimeoutLogger is a hook that prints dispatched timeouts.
type TimeoutLogger struct {
	LogHookBase
}

// NewTimeoutLogger returns a TimeoutLogger that writes into the logger.
func NewTimeoutLogger(logger *log.Logger) *TimeoutLogger {
	h := new(TimeoutLogger)
	h.Logger = logger
	return h
}

// Func writes the timeout information into the logger.
func (h *TimeoutLogger) Func(ctx HookCtx) {
	if ctx.Pos != HookPosBeforeTimeout {
		return
	}

	t, ok := ctx.Item.(*Timeout)
	if !ok {
		return
	}

	named, ok := t.Handler().(Named)
	if ok {
		h.Logger.Printf("%d, %s -> %s",
			t.Deadline(), reflect.TypeOf(t.Reason()), named.Name())
	} else {
		h.Logger.Printf("%d, %s", t.Deadline(), reflect.TypeOf(t.Reason()))
	}
}
