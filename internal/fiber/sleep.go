package fiber

import "time"

// SleepFor suspends the calling fiber for at least d before it is placed
// back on the ready queue. It is implemented directly on time.AfterFunc
// rather than routed through internal/reactor's timer heap, since a plain
// fiber sleep carries no I/O deadline semantics for the reactor to track.
func (f *Fiber) SleepFor(d time.Duration) error {
	return f.suspend(func(s *Scheduler, fb *Fiber) {
		time.AfterFunc(d, func() {
			s.enqueueReady(fb)
		})
	})
}

// SleepUntil suspends the calling fiber until the wall-clock deadline t.
func (f *Fiber) SleepUntil(t time.Time) error {
	return f.SleepFor(time.Until(t))
}
