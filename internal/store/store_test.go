package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sk(v string) *string { return &v }

func TestCommitWritesEventJSONAndIdxTogether(t *testing.T) {
	s := openTestStore(t)
	idx, err := s.Commit(CommitRecord{
		EventID:         "$a",
		EventJSON:       []byte(`{"event_id":"$a"}`),
		RoomID:          "!r",
		Depth:           1,
		Sender:          "@alice:a.test",
		Type:            "m.room.create",
		StateKey:        sk(""),
		IsStateEvent:    true,
		StateRootDigest: []byte("root1"),
	})
	require.NoError(t, err)

	gotIdx, ok, err := s.EventIdxOf("$a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, idx, gotIdx)

	j, err := s.EventJSON(idx)
	require.NoError(t, err)
	require.JSONEq(t, `{"event_id":"$a"}`, string(j))

	has, err := s.HasEvent("$a")
	require.NoError(t, err)
	require.True(t, has)

	has, err = s.HasEvent("$missing")
	require.NoError(t, err)
	require.False(t, has)
}

func TestCommitUpdatesRoomStateForStateEvents(t *testing.T) {
	s := openTestStore(t)
	idx, err := s.Commit(CommitRecord{
		EventID:         "$create",
		EventJSON:       []byte(`{}`),
		RoomID:          "!r",
		Depth:           1,
		Type:            "m.room.create",
		StateKey:        sk(""),
		IsStateEvent:    true,
		StateRootDigest: []byte("root"),
	})
	require.NoError(t, err)

	gotIdx, ok, err := s.StateEventIdx("!r", "m.room.create", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, idx, gotIdx)
}

func TestCommitSoftFailedEventNotAddedToRoomState(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Commit(CommitRecord{
		EventID:         "$m",
		EventJSON:       []byte(`{}`),
		RoomID:          "!r",
		Depth:           2,
		Type:            "m.room.name",
		StateKey:        sk(""),
		IsStateEvent:    true,
		SoftFailed:      true,
		StateRootDigest: []byte("root"),
	})
	require.NoError(t, err)

	_, ok, err := s.StateEventIdx("!r", "m.room.name", "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCommitMembershipUpdatesRoomJoined(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Commit(CommitRecord{
		EventID:         "$join1",
		EventJSON:       []byte(`{}`),
		RoomID:          "!r",
		Depth:           2,
		Type:            "m.room.member",
		StateKey:        sk("@bob:a.test"),
		Membership:      "join",
		Origin:          "a.test",
		IsStateEvent:    true,
		StateRootDigest: []byte("root"),
	})
	require.NoError(t, err)

	members, err := s.JoinedMembers("!r")
	require.NoError(t, err)
	require.Equal(t, []string{"@bob:a.test"}, members)

	_, err = s.Commit(CommitRecord{
		EventID:         "$leave1",
		EventJSON:       []byte(`{}`),
		RoomID:          "!r",
		Depth:           3,
		Type:            "m.room.member",
		StateKey:        sk("@bob:a.test"),
		Membership:      "leave",
		Origin:          "a.test",
		IsStateEvent:    true,
		StateRootDigest: []byte("root"),
	})
	require.NoError(t, err)

	members, err = s.JoinedMembers("!r")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestCommitAdvancesRoomHead(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Commit(CommitRecord{
		EventID:         "$parent",
		EventJSON:       []byte(`{}`),
		RoomID:          "!r",
		Depth:           1,
		Type:            "m.room.create",
		StateRootDigest: []byte("r1"),
	})
	require.NoError(t, err)

	heads, err := s.IterRoomHead("!r")
	require.NoError(t, err)
	require.Len(t, heads, 1)
	require.Equal(t, "$parent", heads[0].EventID)

	_, err = s.Commit(CommitRecord{
		EventID:         "$child",
		EventJSON:       []byte(`{}`),
		RoomID:          "!r",
		Depth:           2,
		Type:            "m.room.message",
		RemovedParents:  []string{"$parent"},
		StateRootDigest: []byte("r2"),
	})
	require.NoError(t, err)

	heads, err = s.IterRoomHead("!r")
	require.NoError(t, err)
	require.Len(t, heads, 1)
	require.Equal(t, "$child", heads[0].EventID)
}

func TestIterRoomEventsDescOrdersByDepthDescending(t *testing.T) {
	s := openTestStore(t)
	for i, id := range []string{"$e1", "$e2", "$e3"} {
		_, err := s.Commit(CommitRecord{
			EventID:         id,
			EventJSON:       []byte(`{}`),
			RoomID:          "!r",
			Depth:           int64(i + 1),
			Type:            "m.room.message",
			StateRootDigest: []byte("r"),
		})
		require.NoError(t, err)
	}

	var depths []int64
	err := s.IterRoomEventsDesc("!r", 0, func(e RoomEventEntry) bool {
		depths = append(depths, e.Depth)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 2, 1}, depths)
}

func TestFieldColumnRoundTrip(t *testing.T) {
	s := openTestStore(t)
	idx, err := s.Commit(CommitRecord{
		EventID:   "$a",
		EventJSON: []byte(`{}`),
		RoomID:    "!r",
		Depth:     1,
		Sender:    "@alice:a.test",
		Type:      "m.room.message",
	})
	require.NoError(t, err)

	v, err := s.Field(idx, "sender")
	require.NoError(t, err)
	require.Equal(t, "@alice:a.test", string(v))
}
