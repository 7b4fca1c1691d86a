package fiber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runSchedulerUntilDone(t *testing.T, s *Scheduler, done chan struct{}) {
	t.Helper()
	go s.Run()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not finish in time")
	}
	s.Stop()
}

func TestYieldOrdering(t *testing.T) {
	s := New()
	var order []int
	done := make(chan struct{})

	s.Spawn("a", Joinable, func(f *Fiber) error {
		order = append(order, 1)
		require.NoError(t, f.Yield())
		order = append(order, 3)
		return nil
	})
	b := s.Spawn("b", Joinable, func(f *Fiber) error {
		order = append(order, 2)
		require.NoError(t, f.Yield())
		order = append(order, 4)
		close(done)
		return nil
	})
	_ = b

	runSchedulerUntilDone(t, s, done)
	require.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestJoinWaitsForCompletion(t *testing.T) {
	s := New()
	done := make(chan struct{})
	var observed bool

	child := s.Spawn("child", Joinable, func(f *Fiber) error {
		require.NoError(t, f.SleepFor(10*time.Millisecond))
		return nil
	})
	s.Spawn("parent", Joinable, func(f *Fiber) error {
		err := f.Join(child)
		observed = err == nil
		close(done)
		return nil
	})

	runSchedulerUntilDone(t, s, done)
	require.True(t, observed)
	require.Equal(t, StateFinished, child.State())
}

func TestInterruptDeliveredAtSuspension(t *testing.T) {
	s := New()
	done := make(chan struct{})
	var gotErr error

	target := s.Spawn("target", Joinable, func(f *Fiber) error {
		err := f.Yield()
		gotErr = err
		close(done)
		return err
	})
	// Interrupt before the fiber has had its first turn; it should still be
	// observed the first time it suspends.
	s.Interrupt(target, "test reason")

	runSchedulerUntilDone(t, s, done)
	interrupted, ok := gotErr.(*Interrupted)
	require.True(t, ok)
	require.Equal(t, "test reason", interrupted.Reason)
}

func TestTerminateRunsCleanups(t *testing.T) {
	s := New()
	done := make(chan struct{})
	cleaned := false

	target := s.Spawn("target", Joinable, func(f *Fiber) error {
		f.Defer(func() { cleaned = true })
		for {
			if err := f.Yield(); err != nil {
				close(done)
				return err
			}
		}
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Terminate(target, "shutdown")
	}()

	runSchedulerUntilDone(t, s, done)
	require.True(t, cleaned)
	_, ok := target.Err().(*Terminated)
	require.True(t, ok)
}

func TestDockNotifyWakesWaiter(t *testing.T) {
	s := New()
	dock := NewDock()
	done := make(chan struct{})
	var woke bool

	s.Spawn("waiter", Joinable, func(f *Fiber) error {
		require.NoError(t, dock.Wait(f))
		woke = true
		close(done)
		return nil
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		dock.Notify()
	}()

	runSchedulerUntilDone(t, s, done)
	require.True(t, woke)
}

func TestMutexExcludesConcurrentHolders(t *testing.T) {
	s := New()
	mu := NewMutex()
	done := make(chan struct{})
	var active int
	var maxActive int
	var finishedCount int

	worker := func(f *Fiber) error {
		require.NoError(t, mu.Lock(f))
		active++
		if active > maxActive {
			maxActive = active
		}
		require.NoError(t, f.Yield())
		active--
		mu.Unlock(f)
		finishedCount++
		if finishedCount == 3 {
			close(done)
		}
		return nil
	}
	s.Spawn("w1", Joinable, worker)
	s.Spawn("w2", Joinable, worker)
	s.Spawn("w3", Joinable, worker)

	runSchedulerUntilDone(t, s, done)
	require.Equal(t, 1, maxActive)
}

func TestLatchReleasesAllWaiters(t *testing.T) {
	s := New()
	latch := NewLatch()
	done := make(chan struct{})
	var releasedCount int

	for i := 0; i < 3; i++ {
		s.Spawn("waiter", Joinable, func(f *Fiber) error {
			require.NoError(t, latch.Wait(f))
			releasedCount++
			if releasedCount == 3 {
				close(done)
			}
			return nil
		})
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		latch.Open()
	}()

	runSchedulerUntilDone(t, s, done)
	require.Equal(t, 3, releasedCount)
	require.True(t, latch.IsOpen())
}
