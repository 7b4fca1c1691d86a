// Package fiber implements a single-threaded cooperative scheduler with
// stackful-feeling fibers. Go has no native stackful
// coroutine primitive, so each Fiber's "stack" is rendered as a goroutine
// that is handed an explicit turn token by the Scheduler and must hand it
// back at every documented suspension point (Yield, Sleep, Dock/Latch/Mutex
// wait, Join, or a suspending I/O call routed through internal/reactor).
// Only one fiber ever holds the turn at a time, so fiber bodies never run
// concurrently with each other — the defining guarantee of this package's
// scheduling model — even though each is backed by its own goroutine.
package fiber

import (
	"fmt"
	"sync"
)

// State is a fiber's position in its lifecycle:
// READY -> RUNNING -> BLOCKED -> READY -> ... -> FINISHED.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Flags select spawn-time behaviour.
type Flags int

const (
	// Joinable fibers retain their result for Join; detached fibers discard it.
	Joinable Flags = 1 << iota
	Detached
)

// Interrupted is thrown into a fiber at its next suspension point by
// Interrupt. A fiber may catch it (by inspecting the error returned from a
// suspension call) to run cleanup, but must return it (possibly wrapped) to
// honour cancellation; if it swallows it, the runtime resumes the fiber in
// the READY state as if nothing happened.
type Interrupted struct{ Reason string }

func (e *Interrupted) Error() string { return fmt.Sprintf("fiber: interrupted: %s", e.Reason) }

// Terminated is delivered the same way as Interrupted: the suspension call
// returns it as its error, and the fiber's own code sees it like any other
// error. Unlike Interrupted it stays pending once observed, so every later
// suspension call returns it again. Cleanups registered via Fiber.Defer run
// after the entry function returns.
type Terminated struct{ Reason string }

func (e *Terminated) Error() string { return fmt.Sprintf("fiber: terminated: %s", e.Reason) }

// suspendMsg is what a fiber goroutine hands back to the scheduler loop
// each time it gives up its turn.
type suspendMsg struct {
	// finished is true once the entry function has returned.
	finished bool
	err      error
	// resume, if non-nil, is called by the scheduler (NOT on the fiber's
	// goroutine) to decide how/when this fiber re-enters the ready queue:
	// immediately (Yield), after a timer (Sleep), or once some external
	// notifier fires (Dock/Latch/Mutex/Join/reactor I/O).
	resume func(s *Scheduler, f *Fiber)
}

// Fiber is a scheduler handle; the zero value is not usable.
type Fiber struct {
	ID    uint64
	Name  string
	sched *Scheduler

	turn   chan struct{}  // scheduler -> fiber: "you may run now"
	result chan suspendMsg // fiber -> scheduler: "I suspended/finished"

	mu               sync.Mutex
	state            State
	interruptPending bool
	terminatePending bool
	interruptReason  string
	terminateReason  string
	finished         bool
	err              error
	joinWaiters      []chan struct{}
	cleanups         []func()
}

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the error the fiber's entry function finished with, if any.
// Only meaningful once State() == StateFinished.
func (f *Fiber) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Defer registers a scope-guard cleanup that runs even if the fiber is
// Terminated — the "scope-guard mechanism still runs
// cleanup" guarantee for uncatchable termination.
func (f *Fiber) Defer(cleanup func()) {
	f.mu.Lock()
	f.cleanups = append(f.cleanups, cleanup)
	f.mu.Unlock()
}

func (f *Fiber) runCleanups() {
	f.mu.Lock()
	cleanups := f.cleanups
	f.cleanups = nil
	f.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// checkPending converts a pending Interrupt/Terminate request into an
// error to return from the calling suspension point, clearing the
// interrupt flag (terminate is sticky: once requested it fires at every
// subsequent suspension point until the fiber finishes).
func (f *Fiber) checkPending() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminatePending {
		return &Terminated{Reason: f.terminateReason}
	}
	if f.interruptPending {
		f.interruptPending = false
		return &Interrupted{Reason: f.interruptReason}
	}
	return nil
}

// suspend gives up the turn, recording how the scheduler should bring this
// fiber back, then blocks until the scheduler grants another turn. It is
// the single choke point every other suspending call funnels through.
func (f *Fiber) suspend(resume func(s *Scheduler, f *Fiber)) error {
	f.mu.Lock()
	f.state = StateBlocked
	f.mu.Unlock()

	f.result <- suspendMsg{resume: resume}
	<-f.turn

	f.mu.Lock()
	f.state = StateRunning
	f.mu.Unlock()

	return f.checkPending()
}

// Yield voluntarily returns control to the scheduler; the fiber is placed
// immediately back onto the ready queue (FIFO behind any other already-ready
// fibers).
func (f *Fiber) Yield() error {
	return f.suspend(func(s *Scheduler, fb *Fiber) {
		s.enqueueReady(fb)
	})
}

// Suspend is the suspension primitive exposed to packages outside fiber
// (internal/reactor in particular) that need to park the calling fiber
// until some external event fires. register runs synchronously, still on
// the fiber's own goroutine, and is handed a wake function that may be
// called exactly once, from any goroutine, to place the fiber back on the
// ready queue — this is the "well-defined quiescent point" handoff this package
// §4.2 describes between a fiber and the reactor.
func (f *Fiber) Suspend(register func(wake func())) error {
	return f.suspend(func(s *Scheduler, fb *Fiber) {
		register(func() { s.enqueueReady(fb) })
	})
}
