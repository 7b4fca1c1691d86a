package fiber

import (
	"sync"
	"sync/atomic"
)

// Scheduler owns the ready queue and dispatches exactly one fiber's turn
// at a time. Run must be called from the single OS thread this runtime is
// documented to occupy; everything else may be called from
// any goroutine, including from within a running fiber's entry function.
type Scheduler struct {
	mu       sync.Mutex
	ready    []*Fiber
	wake     chan struct{}
	fibers   map[uint64]*Fiber
	nextID   uint64
	stopped  int32
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Scheduler with an empty ready queue.
func New() *Scheduler {
	return &Scheduler{
		wake:   make(chan struct{}, 1),
		fibers: make(map[uint64]*Fiber),
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) nextFiberID() uint64 {
	return atomic.AddUint64(&s.nextID, 1)
}

func (s *Scheduler) enqueueReady(f *Fiber) {
	f.mu.Lock()
	f.state = StateReady
	f.mu.Unlock()

	s.mu.Lock()
	s.ready = append(s.ready, f)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) popReady() *Fiber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	f := s.ready[0]
	s.ready = s.ready[1:]
	return f
}

// Spawn enqueues a new fiber running entry and returns its handle. entry
// receives the Fiber so it can call Yield/Sleep/Join/etc. on itself.
// Flags select Joinable vs Detached; Spawn itself always posts the fiber's
// first turn through the ready queue (the "safe context transfer" this runtime
// §4.1 calls for) rather than starting it on the caller's stack.
func (s *Scheduler) Spawn(name string, flags Flags, entry func(f *Fiber) error) *Fiber {
	f := &Fiber{
		ID:     s.nextFiberID(),
		Name:   name,
		sched:  s,
		turn:   make(chan struct{}),
		result: make(chan suspendMsg),
		state:  StateReady,
	}
	s.mu.Lock()
	s.fibers[f.ID] = f
	s.mu.Unlock()

	go func() {
		<-f.turn
		err := entry(f)
		f.runCleanups()
		f.mu.Lock()
		f.finished = true
		f.state = StateFinished
		f.err = err
		waiters := f.joinWaiters
		f.joinWaiters = nil
		f.mu.Unlock()
		for _, w := range waiters {
			close(w)
		}
		f.result <- suspendMsg{finished: true, err: err}
	}()

	s.enqueueReady(f)
	return f
}

// Run drains the ready queue, dispatching one fiber's turn at a time, until
// Stop is called and the queue is empty. It blocks the calling goroutine —
// callers run it as their main loop, alongside internal/reactor posting
// further wakeups onto the ready queue as I/O and timers complete.
func (s *Scheduler) Run() {
	for {
		if atomic.LoadInt32(&s.stopped) != 0 {
			s.mu.Lock()
			empty := len(s.ready) == 0
			s.mu.Unlock()
			if empty {
				return
			}
		}
		f := s.popReady()
		if f == nil {
			select {
			case <-s.wake:
				continue
			case <-s.stopCh:
				s.mu.Lock()
				empty := len(s.ready) == 0
				s.mu.Unlock()
				if empty {
					return
				}
				continue
			}
		}
		s.runTurn(f)
	}
}

func (s *Scheduler) runTurn(f *Fiber) {
	f.mu.Lock()
	f.state = StateRunning
	f.mu.Unlock()

	f.turn <- struct{}{}
	msg := <-f.result

	if msg.finished {
		s.mu.Lock()
		delete(s.fibers, f.ID)
		s.mu.Unlock()
		return
	}
	if msg.resume != nil {
		msg.resume(s, f)
	}
}

// Stop requests the scheduler to exit Run once the ready queue drains.
// In-flight blocked fibers (on docks, timers, I/O) are left to finish or be
// Terminated by the caller; Stop does not forcibly unwind them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		atomic.StoreInt32(&s.stopped, 1)
		close(s.stopCh)
	})
}

// Interrupt requests the target fiber throw Interrupted at its next
// suspension point. Idempotent: calling it again before the fiber observes
// the first request just refreshes the reason. A no-op on an already
// finished fiber.
func (s *Scheduler) Interrupt(f *Fiber, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.interruptPending = true
	f.interruptReason = reason
}

// Terminate requests the target fiber receive Terminated at its next
// suspension point and at every one after it (see Terminated); cleanups
// registered via Defer run once its entry function returns.
func (s *Scheduler) Terminate(f *Fiber, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.terminatePending = true
	f.terminateReason = reason
}

// Join suspends the calling fiber until target finishes, returning target's
// terminal error (including a *Terminated if it was force-unwound).
func (caller *Fiber) Join(target *Fiber) error {
	target.mu.Lock()
	if target.finished {
		err := target.err
		target.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	target.joinWaiters = append(target.joinWaiters, done)
	target.mu.Unlock()

	if err := caller.suspend(func(s *Scheduler, f *Fiber) {
		go func() {
			<-done
			s.enqueueReady(f)
		}()
	}); err != nil {
		return err
	}
	return target.Err()
}
