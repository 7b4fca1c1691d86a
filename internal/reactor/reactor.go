// Package reactor drives timers and non-blocking network I/O on behalf of
// suspended fibers. Go's netpoller already multiplexes
// sockets under the hood, so the reactor's job here is narrower than a
// classic epoll loop: it is the well-defined quiescent point where a
// completed read/write/dial/accept or an expired timer gets handed back to
// internal/fiber as a ready-queue wakeup, never re-entrant with a running
// fiber body.
package reactor

import (
	"container/heap"
	"context"
	"net"
	"sync"
	"time"

	"github.com/construct-go/homeserver/internal/fiber"
)

// Reactor owns the timer heap. Network operations themselves run on
// ordinary goroutines backed by Go's netpoller; the Reactor's role there is
// only to apply a deadline and translate the result into a fiber wakeup.
type Reactor struct {
	mu     sync.Mutex
	timers timerHeap
	wake   chan struct{}
	stopCh chan struct{}
	stop   sync.Once
}

// New constructs a Reactor. Run must be started in its own goroutine
// alongside the fiber scheduler's Run loop.
func New() *Reactor {
	return &Reactor{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

type timerEntry struct {
	deadline time.Time
	fire     func()
	index    int
	cancel   bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerHandle lets a caller cancel a pending timer before it fires.
type timerHandle struct {
	r     *Reactor
	entry *timerEntry
}

// Cancel prevents a pending timer from firing, if it has not already.
func (h *timerHandle) Cancel() {
	h.r.mu.Lock()
	h.entry.cancel = true
	h.r.mu.Unlock()
}

// afterFunc schedules fire to run (on the Reactor's Run goroutine) once d
// has elapsed, unless cancelled first.
func (r *Reactor) afterFunc(d time.Duration, fire func()) *timerHandle {
	e := &timerEntry{deadline: time.Now().Add(d), fire: fire}
	r.mu.Lock()
	heap.Push(&r.timers, e)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return &timerHandle{r: r, entry: e}
}

// Run drives the timer heap until Stop is called. It must run on a single
// goroutine for the lifetime of the Reactor.
func (r *Reactor) Run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		r.mu.Lock()
		var next time.Duration
		if len(r.timers) > 0 {
			next = time.Until(r.timers[0].deadline)
			if next < 0 {
				next = 0
			}
		} else {
			next = time.Hour
		}
		r.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-timer.C:
			r.fireExpired()
		case <-r.wake:
			continue
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reactor) fireExpired() {
	now := time.Now()
	for {
		r.mu.Lock()
		if len(r.timers) == 0 || r.timers[0].deadline.After(now) {
			r.mu.Unlock()
			return
		}
		e := heap.Pop(&r.timers).(*timerEntry)
		r.mu.Unlock()
		if !e.cancel {
			e.fire()
		}
	}
}

// Stop halts the Run loop. Pending timers are discarded without firing.
func (r *Reactor) Stop() {
	r.stop.Do(func() { close(r.stopCh) })
}

// SleepFor suspends the calling fiber until d has elapsed, or until it is
// interrupted/terminated first — in which case the pending timer is
// cancelled before the error propagates.
func (r *Reactor) SleepFor(f *fiber.Fiber, d time.Duration) error {
	var handle *timerHandle
	err := f.Suspend(func(wake func()) {
		handle = r.afterFunc(d, wake)
	})
	if err != nil && handle != nil {
		handle.Cancel()
	}
	return err
}

// ioResult is the outcome of a blocking network call run on a helper
// goroutine, handed back to the suspended fiber once ready.
type ioResult struct {
	n    int
	conn net.Conn
	err  error
}

// Dial suspends the calling fiber until a connection to addr over network
// completes or timeout elapses. The dial runs on a helper goroutine under a
// context carrying that timeout; it performs no TLS handshake.
func (r *Reactor) Dial(f *fiber.Fiber, network, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resultCh := make(chan ioResult, 1)
	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		resultCh <- ioResult{conn: conn, err: err}
	}()

	var res ioResult
	err := f.Suspend(func(wake func()) {
		go func() {
			res = <-resultCh
			wake()
		}()
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return res.conn, res.err
}

// Read suspends the calling fiber until conn has data, an error, or
// deadline passes, applying deadline as the connection's read deadline.
func (r *Reactor) Read(f *fiber.Fiber, conn net.Conn, buf []byte, deadline time.Time) (int, error) {
	if !deadline.IsZero() {
		_ = conn.SetReadDeadline(deadline)
	}
	resultCh := make(chan ioResult, 1)
	go func() {
		n, err := conn.Read(buf)
		resultCh <- ioResult{n: n, err: err}
	}()

	var res ioResult
	if err := f.Suspend(func(wake func()) {
		go func() {
			res = <-resultCh
			wake()
		}()
	}); err != nil {
		return 0, err
	}
	return res.n, res.err
}

// Write suspends the calling fiber until buf is fully written, an error
// occurs, or deadline passes.
func (r *Reactor) Write(f *fiber.Fiber, conn net.Conn, buf []byte, deadline time.Time) (int, error) {
	if !deadline.IsZero() {
		_ = conn.SetWriteDeadline(deadline)
	}
	resultCh := make(chan ioResult, 1)
	go func() {
		n, err := conn.Write(buf)
		resultCh <- ioResult{n: n, err: err}
	}()

	var res ioResult
	if err := f.Suspend(func(wake func()) {
		go func() {
			res = <-resultCh
			wake()
		}()
	}); err != nil {
		return 0, err
	}
	return res.n, res.err
}

// Accept suspends the calling fiber until ln has an inbound connection, an
// error, or deadline passes. net.Listener has no SetDeadline in general, so
// callers needing a hard deadline should wrap ln in one that does (e.g.
// *net.TCPListener, which implements it).
func (r *Reactor) Accept(f *fiber.Fiber, ln net.Listener, deadline time.Time) (net.Conn, error) {
	type deadliner interface {
		SetDeadline(time.Time) error
	}
	if !deadline.IsZero() {
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(deadline)
		}
	}
	resultCh := make(chan ioResult, 1)
	go func() {
		conn, err := ln.Accept()
		resultCh <- ioResult{conn: conn, err: err}
	}()

	var res ioResult
	if err := f.Suspend(func(wake func()) {
		go func() {
			res = <-resultCh
			wake()
		}()
	}); err != nil {
		return nil, err
	}
	return res.conn, res.err
}
