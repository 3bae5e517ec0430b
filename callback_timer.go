package realtime

import (
	"time"
)

// clock is the time source of a manager and its transports.
type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) stopper
}

type stopper interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// callbackTimer is a one-shot timer whose callback runs on an executor.
// Start, Stop and Active must only be called from that executor; a timer
// that fires after being stopped or restarted does nothing.
type callbackTimer struct {
	clock clock
	exec  *executor
	timer stopper
	gen   uint64
}

func newCallbackTimer(c clock, exec *executor) *callbackTimer {
	return &callbackTimer{
		clock: c,
		exec:  exec,
	}
}

func (t *callbackTimer) Start(d time.Duration, callback func()) {
	t.Stop()
	gen := t.gen
	t.timer = t.clock.AfterFunc(d, func() {
		t.exec.post(func() {
			if t.gen != gen || t.timer == nil {
				return
			}
			t.timer = nil
			callback()
		})
	})
}

func (t *callbackTimer) Stop() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *callbackTimer) Active() bool {
	return t.timer != nil
}
