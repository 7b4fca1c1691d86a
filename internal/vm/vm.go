// Package vm implements the event pipeline: the single serialisation point
// through which every inbound or locally generated Matrix event is
// well-formedness checked, hash- and signature-verified, authorised against
// room state, linked into the room DAG, and durably committed. It runs as
// one fiber atop the shared reactor, so every suspension point inside a
// phase (a federation fetch, a backoff sleep) yields the fiber's turn
// rather than blocking the process, while commits themselves stay strictly
// serialised. Verify-key lookups go through keyring's synchronous Fetcher
// and do not suspend.
package vm

import (
	"sync"
	"time"

	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/construct-go/homeserver/internal/fedclient"
	"github.com/construct-go/homeserver/internal/fiber"
	"github.com/construct-go/homeserver/internal/keyring"
	"github.com/construct-go/homeserver/internal/logctx"
	"github.com/construct-go/homeserver/internal/metrics"
	"github.com/construct-go/homeserver/internal/pubsub"
	"github.com/construct-go/homeserver/internal/reactor"
	"github.com/construct-go/homeserver/internal/roomhead"
	"github.com/construct-go/homeserver/internal/store"
	"golang.org/x/time/rate"
)

// Retry policy constants, per the event pipeline's documented backoff
// schedule: base 2, capped at 60s, dropped after 8 attempts.
const (
	retryBase       = 2 * time.Second
	retryCap        = 60 * time.Second
	maxRetryAttempts = 8
	ancestorFetchDepthBudget = 20
)

// queueItem is one staged submission awaiting processing. wake and result
// are set exactly once, by Submit's call to Fiber.Suspend and by the VM's
// terminal finish call respectively; the scheduler's one-turn-at-a-time
// dispatch (Submit's fiber cannot be re-scheduled to read result until it
// has itself suspended, and the VM cannot process the item until the
// scheduler is free to give it a turn) makes that safe without a lock.
type queueItem struct {
	eventJSON   []byte
	roomVersion eventmodel.RoomVersion
	attempts    int
	origin      string // federation source, for fetch attribution; empty for local events
	wake        func()
	result      error
}

// VM owns the bounded inbound staging queue and drives the nine-phase
// pipeline against it. Exactly one fiber (the one Run is called from)
// mutates the store; everything else reaches it only through Submit.
type VM struct {
	reactor *reactor.Reactor
	sched   *fiber.Scheduler
	store   *store.Store
	heads   *roomhead.Tracker
	keys    *keyring.Ring
	fed     *fedclient.Client
	bus     *pubsub.Broker

	limiter *rate.Limiter

	mu       sync.Mutex
	queue    []*queueItem
	maxQueue int
	notEmpty *fiber.Dock
	notFull  *fiber.Dock
	stopped  bool

	staged   map[string]*eventmodel.Event // event_id -> parsed-but-uncommitted event
	stagedMu sync.Mutex
}

// Config bundles the collaborators a VM needs. All fields are required
// except Fed and Keys, which may be nil for a deployment that never
// federates (tests, or a fully local single-server setup), and Bus (see
// below).
type Config struct {
	Reactor  *reactor.Reactor
	Sched    *fiber.Scheduler
	Store    *store.Store
	Heads    *roomhead.Tracker
	Keys     *keyring.Ring
	Fed      *fedclient.Client
	// Bus receives a CommitEvent after every successful commit. Nil is a
	// valid Config for tests and any deployment that has no subscribers
	// yet; Publish and the rest of this package treat a nil Bus as a
	// no-op rather than requiring callers to construct one.
	Bus      *pubsub.Broker
	MaxQueue int
	// RateLimit bounds sustained event throughput (events/sec); Burst
	// allows short spikes above that rate. Zero RateLimit disables
	// limiting entirely.
	RateLimit float64
	Burst     int
}

// New constructs a VM ready to have its Run loop spawned.
func New(cfg Config) *VM {
	maxQueue := cfg.MaxQueue
	if maxQueue <= 0 {
		maxQueue = 1024
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &VM{
		reactor:  cfg.Reactor,
		sched:    cfg.Sched,
		store:    cfg.Store,
		heads:    cfg.Heads,
		keys:     cfg.Keys,
		fed:      cfg.Fed,
		bus:      cfg.Bus,
		limiter:  limiter,
		maxQueue: maxQueue,
		notEmpty: fiber.NewDock(),
		notFull:  fiber.NewDock(),
		staged:   make(map[string]*eventmodel.Event),
	}
}

// Submit enqueues an event for pipeline processing, suspending the calling
// fiber (the federation receiver, or a client API handler building a local
// event) while the staging queue is full. It returns once the event has
// been fully processed: committed, soft-failed, or permanently rejected.
// origin identifies the federation peer that delivered eventJSON, or is
// empty for locally authored events.
func (vm *VM) Submit(f *fiber.Fiber, eventJSON []byte, roomVersion eventmodel.RoomVersion, origin string) error {
	item := &queueItem{eventJSON: eventJSON, roomVersion: roomVersion, origin: origin}
	if err := vm.enqueue(f, item); err != nil {
		return err
	}
	if err := f.Suspend(func(wake func()) { item.wake = wake }); err != nil {
		return err
	}
	return item.result
}

// enqueue appends item to the staging queue, suspending on backpressure.
func (vm *VM) enqueue(f *fiber.Fiber, item *queueItem) error {
	for {
		vm.mu.Lock()
		if vm.stopped {
			vm.mu.Unlock()
			return errs.New(errs.Interrupted, "vm: stopped")
		}
		if len(vm.queue) < vm.maxQueue {
			vm.queue = append(vm.queue, item)
			vm.mu.Unlock()
			metrics.StagingQueueDepth.Inc()
			vm.notEmpty.Notify()
			return nil
		}
		vm.mu.Unlock()
		if err := vm.notFull.Wait(f); err != nil {
			return err
		}
	}
}

func (vm *VM) dequeue(f *fiber.Fiber) (*queueItem, error) {
	for {
		vm.mu.Lock()
		if len(vm.queue) > 0 {
			item := vm.queue[0]
			vm.queue = vm.queue[1:]
			vm.mu.Unlock()
			metrics.StagingQueueDepth.Dec()
			vm.notFull.Notify()
			return item, nil
		}
		if vm.stopped {
			vm.mu.Unlock()
			return nil, errs.New(errs.Interrupted, "vm: stopped")
		}
		vm.mu.Unlock()
		if err := vm.notEmpty.Wait(f); err != nil {
			return nil, err
		}
	}
}

// requeue re-enqueues item without going through backpressure (the retry
// path must never deadlock behind a full queue it is trying to drain).
func (vm *VM) requeue(item *queueItem) {
	vm.mu.Lock()
	vm.queue = append(vm.queue, item)
	vm.mu.Unlock()
	metrics.StagingQueueDepth.Inc()
	vm.notEmpty.Notify()
}

// Stop drains no further work and wakes any fiber suspended in Submit's
// backpressure wait or Run's dequeue loop, which then returns an
// Interrupted error. A Submit caller already waiting for its queued item's
// outcome is not woken.
func (vm *VM) Stop() {
	vm.mu.Lock()
	vm.stopped = true
	vm.mu.Unlock()
	vm.notEmpty.NotifyAll()
	vm.notFull.NotifyAll()
}

// Run is the VM's own fiber body: pull, process, repeat, forever until
// Stop. Intended to be passed to Scheduler.Spawn once at startup.
func (vm *VM) Run(f *fiber.Fiber) error {
	for {
		item, err := vm.dequeue(f)
		if err != nil {
			return err
		}
		if vm.limiter != nil {
			if err := vm.limiter.Wait(noopContext{}); err != nil {
				logctx.Root.WithError(err).Warn("vm: rate limiter wait failed")
			}
		}
		vm.runItem(f, item)
	}
}

func (vm *VM) runItem(f *fiber.Fiber, item *queueItem) {
	started := time.Now()
	err := vm.processOne(f, item)
	metrics.PipelineStageDuration.WithLabelValues("total").Observe(time.Since(started).Seconds())

	if err == nil {
		metrics.EventsProcessed.WithLabelValues("committed").Inc()
		vm.finish(item, nil)
		return
	}

	code := errs.CodeOf(err)
	if code == errs.AuthAtState {
		// Soft-failed events are still a successful commit from the
		// caller's point of view: they are persisted and may serve as a
		// prev_events target, just excluded from forward state.
		metrics.EventsProcessed.WithLabelValues("soft_failed").Inc()
		vm.finish(item, nil)
		return
	}
	if code == errs.Exists {
		metrics.EventsProcessed.WithLabelValues("duplicate").Inc()
		vm.finish(item, nil)
		return
	}

	if code.Retryable() && item.attempts < maxRetryAttempts {
		item.attempts++
		metrics.EventsProcessed.WithLabelValues("retry").Inc()
		vm.scheduleRetry(item)
		return
	}

	metrics.EventsProcessed.WithLabelValues("rejected").Inc()
	logctx.Root.WithError(err).Warn("vm: event permanently rejected")
	vm.finish(item, err)
}

// finish delivers the terminal outcome to Submit's caller and wakes it.
func (vm *VM) finish(item *queueItem, err error) {
	item.result = err
	if item.wake != nil {
		item.wake()
	}
}

// scheduleRetry spawns a short-lived fiber that sleeps for the item's
// current exponential backoff delay and then re-enqueues it. Using a fresh
// fiber rather than blocking the VM's own fiber on the reactor's timer
// lets the VM carry on draining the rest of the queue in the meantime.
func (vm *VM) scheduleRetry(item *queueItem) {
	delay := backoffFor(item.attempts)
	vm.sched.Spawn("vm-retry", 0, func(rf *fiber.Fiber) error {
		if err := rf.SleepFor(delay); err != nil {
			return err
		}
		vm.requeue(item)
		return nil
	})
}

func backoffFor(attempt int) time.Duration {
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	if d > retryCap {
		d = retryCap
	}
	return d
}

// noopContext satisfies context.Context minimally for rate.Limiter.Wait,
// which the VM only ever calls without a deadline of its own: the
// reactor's suspension primitives, not a stdlib context, are this
// runtime's cancellation mechanism.
type noopContext struct{}

func (noopContext) Deadline() (time.Time, bool)       { return time.Time{}, false }
func (noopContext) Done() <-chan struct{}             { return nil }
func (noopContext) Err() error                        { return nil }
func (noopContext) Value(key interface{}) interface{} { return nil }
