package fiber

import "sync"

// Mutex is a cooperative, fiber-aware exclusion lock. Unlike sync.Mutex it
// is safe to hold across suspension points: a blocked Lock call parks the
// owning fiber rather than an OS thread, so other fibers keep running while
// one waits its turn for, say, a store write batch.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	owner   *Fiber
	waiters []*Fiber
}

// NewMutex constructs an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

// Lock acquires the mutex, suspending the caller if another fiber holds it.
func (m *Mutex) Lock(f *Fiber) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.owner = f
		m.mu.Unlock()
		return nil
	}
	m.waiters = append(m.waiters, f)
	m.mu.Unlock()

	if err := f.suspend(func(s *Scheduler, fb *Fiber) {}); err != nil {
		return err
	}
	return nil
}

// Unlock releases the mutex, waking the next waiter (FIFO) if any, handing
// it ownership directly rather than making it re-race for the lock.
func (m *Mutex) Unlock(f *Fiber) {
	m.mu.Lock()
	if m.owner != f {
		m.mu.Unlock()
		panic("fiber: Mutex unlocked by non-owner")
	}
	if len(m.waiters) == 0 {
		m.locked = false
		m.owner = nil
		m.mu.Unlock()
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = next
	m.mu.Unlock()
	next.sched.enqueueReady(next)
}

// TryLock acquires the mutex only if it is immediately available.
func (m *Mutex) TryLock(f *Fiber) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	m.owner = f
	return true
}

// SharedMutex is a cooperative readers-writer lock: any number of fibers may
// hold the shared (read) side concurrently, but the exclusive (write) side
// excludes both readers and other writers. Writers are preferred once
// queued, so a steady stream of readers cannot starve a pending writer.
type SharedMutex struct {
	mu            sync.Mutex
	readers       int
	writerActive  bool
	readWaiters   []*Fiber
	writeWaiters  []*Fiber
}

// NewSharedMutex constructs an unlocked SharedMutex.
func NewSharedMutex() *SharedMutex {
	return &SharedMutex{}
}

// RLock acquires the shared side.
func (s *SharedMutex) RLock(f *Fiber) error {
	s.mu.Lock()
	if !s.writerActive && len(s.writeWaiters) == 0 {
		s.readers++
		s.mu.Unlock()
		return nil
	}
	s.readWaiters = append(s.readWaiters, f)
	s.mu.Unlock()
	return f.suspend(func(sc *Scheduler, fb *Fiber) {})
}

// RUnlock releases the shared side.
func (s *SharedMutex) RUnlock() {
	s.mu.Lock()
	s.readers--
	s.maybeWakeLocked()
}

// Lock acquires the exclusive side.
func (s *SharedMutex) Lock(f *Fiber) error {
	s.mu.Lock()
	if !s.writerActive && s.readers == 0 {
		s.writerActive = true
		s.mu.Unlock()
		return nil
	}
	s.writeWaiters = append(s.writeWaiters, f)
	s.mu.Unlock()
	return f.suspend(func(sc *Scheduler, fb *Fiber) {})
}

// Unlock releases the exclusive side.
func (s *SharedMutex) Unlock() {
	s.mu.Lock()
	s.writerActive = false
	s.maybeWakeLocked()
}

// maybeWakeLocked must be called with s.mu held; it releases the lock
// before waking anyone so woken fibers don't re-block on it immediately.
func (s *SharedMutex) maybeWakeLocked() {
	if len(s.writeWaiters) > 0 && s.readers == 0 && !s.writerActive {
		next := s.writeWaiters[0]
		s.writeWaiters = s.writeWaiters[1:]
		s.writerActive = true
		s.mu.Unlock()
		next.sched.enqueueReady(next)
		return
	}
	if len(s.writeWaiters) == 0 && !s.writerActive {
		readers := s.readWaiters
		s.readWaiters = nil
		s.readers += len(readers)
		s.mu.Unlock()
		for _, r := range readers {
			r.sched.enqueueReady(r)
		}
		return
	}
	s.mu.Unlock()
}
