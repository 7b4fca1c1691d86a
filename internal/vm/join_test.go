package vm

import (
	"encoding/json"
	"testing"

	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/construct-go/homeserver/internal/fiber"
	"github.com/stretchr/testify/require"
)

func TestProposeJoinEventReferencesCurrentHeadAndState(t *testing.T) {
	v, sched, priv := newTestVM(t)
	sched.Spawn("vm", fiber.Detached, v.Run)

	create := buildEvent(t, priv, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""),
		map[string]interface{}{"creator": "@alice:a.test", "room_version": "9"}, nil, 1)
	member := buildEvent(t, priv, "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@alice:a.test"),
		map[string]interface{}{"membership": "join"}, []string{create.EventID()}, 2)
	joinRules := buildEventWithAuth(t, priv, "@alice:a.test", "!r:a.test", eventmodel.MRoomJoinRules, strp(""),
		map[string]interface{}{"join_rule": "public"}, []string{member.EventID()},
		[]string{create.EventID(), member.EventID()}, 3)

	done := make(chan struct{})
	var errs [3]error
	sched.Spawn("submitter", fiber.Joinable, func(f *fiber.Fiber) error {
		errs[0] = v.Submit(f, create.JSON(), eventmodel.RoomVersionV9, "")
		errs[1] = v.Submit(f, member.JSON(), eventmodel.RoomVersionV9, "")
		errs[2] = v.Submit(f, joinRules.JSON(), eventmodel.RoomVersionV9, "")
		close(done)
		return nil
	})
	runScheduler(t, sched, done)
	for i, err := range errs {
		require.NoError(t, err, "submission %d", i)
	}

	proto, roomVersion, err := v.ProposeJoinEvent("!r:a.test", "@bob:b.test")
	require.NoError(t, err)
	require.Equal(t, eventmodel.RoomVersionV9, roomVersion)

	var parsed struct {
		RoomID     string   `json:"room_id"`
		Sender     string   `json:"sender"`
		Type       string   `json:"type"`
		StateKey   string   `json:"state_key"`
		PrevEvents []string `json:"prev_events"`
		AuthEvents []string `json:"auth_events"`
		EventID    string   `json:"event_id"`
		Content    struct {
			Membership string `json:"membership"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(proto, &parsed))

	require.Equal(t, "!r:a.test", parsed.RoomID)
	require.Equal(t, "@bob:b.test", parsed.Sender)
	require.Equal(t, eventmodel.MRoomMember, parsed.Type)
	require.Equal(t, "@bob:b.test", parsed.StateKey)
	require.Equal(t, "join", parsed.Content.Membership)
	require.Empty(t, parsed.EventID, "a make_join template carries no event_id; the joining server derives it")
	require.Equal(t, []string{joinRules.EventID()}, parsed.PrevEvents)
	// This room never set power_levels and bob has no prior membership
	// event to reference, so only create and the current join_rules
	// belong in auth_events.
	require.ElementsMatch(t, []string{create.EventID(), joinRules.EventID()}, parsed.AuthEvents)
}

func TestProposeJoinEventUnknownRoomFails(t *testing.T) {
	v, sched, _ := newTestVM(t)
	sched.Spawn("vm", fiber.Detached, v.Run)
	t.Cleanup(sched.Stop)

	_, _, err := v.ProposeJoinEvent("!missing:a.test", "@bob:b.test")
	require.Error(t, err)
}
