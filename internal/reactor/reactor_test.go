package reactor

import (
	"net"
	"testing"
	"time"

	"github.com/construct-go/homeserver/internal/fiber"
	"github.com/stretchr/testify/require"
)

func TestSleepForWakesAfterDuration(t *testing.T) {
	r := New()
	go r.Run()
	defer r.Stop()

	s := fiber.New()
	done := make(chan struct{})
	start := time.Now()
	var elapsed time.Duration

	s.Spawn("sleeper", fiber.Joinable, func(f *fiber.Fiber) error {
		require.NoError(t, r.SleepFor(f, 30*time.Millisecond))
		elapsed = time.Since(start)
		close(done)
		return nil
	})

	go s.Run()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sleeper")
	}
	s.Stop()
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestDialReadWriteRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("world"))
	}()

	r := New()
	go r.Run()
	defer r.Stop()

	s := fiber.New()
	done := make(chan struct{})
	var reply string

	s.Spawn("client", fiber.Joinable, func(f *fiber.Fiber) error {
		conn, err := r.Dial(f, "tcp", ln.Addr().String(), time.Second)
		require.NoError(t, err)
		defer conn.Close()

		n, err := r.Write(f, conn, []byte("hello"), time.Now().Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, 5, n)

		buf := make([]byte, 5)
		n, err = r.Read(f, conn, buf, time.Now().Add(time.Second))
		require.NoError(t, err)
		reply = string(buf[:n])
		close(done)
		return nil
	})

	go s.Run()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for round trip")
	}
	s.Stop()
	<-serverDone
	require.Equal(t, "world", reply)
}

func TestSleepForCancelledOnInterrupt(t *testing.T) {
	r := New()
	go r.Run()
	defer r.Stop()

	s := fiber.New()
	done := make(chan struct{})
	var gotErr error

	target := s.Spawn("sleeper", fiber.Joinable, func(f *fiber.Fiber) error {
		gotErr = r.SleepFor(f, time.Hour)
		close(done)
		return gotErr
	})

	go s.Run()
	time.Sleep(10 * time.Millisecond)
	s.Interrupt(target, "shutdown")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interrupted sleeper")
	}
	s.Stop()
	_, ok := gotErr.(*fiber.Interrupted)
	require.True(t, ok)
}
