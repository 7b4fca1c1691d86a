package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversPublishedCommitEventToSubscriber(t *testing.T) {
	b, err := NewBroker()
	require.NoError(t, err)
	t.Cleanup(b.Close)

	received := make(chan CommitEvent, 1)
	require.NoError(t, b.Subscribe(func(ev CommitEvent) {
		received <- ev
	}))

	want := CommitEvent{RoomID: "!r:a.test", EventID: "$abc:a.test", Depth: 3, Type: "m.room.member"}
	require.NoError(t, b.Publish(want))

	select {
	case got := <-received:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for commit notification")
	}
}

func TestBrokerMethodsAreNilSafe(t *testing.T) {
	var b *Broker
	require.NoError(t, b.Publish(CommitEvent{RoomID: "!r:a.test"}))
	require.Error(t, b.Subscribe(func(CommitEvent) {}))
	b.Close() // must not panic
}
