package vm

import (
	"time"

	"github.com/construct-go/homeserver/internal/authrules"
	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/eventmodel"
)

// ProposeJoinEvent builds the unsigned join-event template a make_join
// request returns: prev_events is set to the room's current frontier and
// auth_events is selected the way an m.room.member join's own auth check
// requires (the room's creation, power-levels, and join-rules events, plus
// the joining user's own most recent membership event if one exists, so a
// re-join or invite-accept references its predecessor). The joining
// server fills in event_id, content hash, and signature itself before
// returning the completed event via send_join.
func (vm *VM) ProposeJoinEvent(roomID, userID string) (eventmodel.RawJSON, eventmodel.RoomVersion, error) {
	roomVersion, err := vm.roomVersionOf(roomID)
	if err != nil {
		return nil, "", err
	}

	if err := vm.heads.Fetch(roomID); err != nil {
		return nil, "", errs.Wrap(errs.Fatal, err, "vm: loading head set for %s", roomID)
	}
	head, ok := vm.heads.Top(roomID)
	if !ok {
		return nil, "", errs.New(errs.Invalid, "vm: room %s has no known head to join against", roomID)
	}

	state, err := vm.parentStateOf(roomID, head.EventID)
	if err != nil {
		return nil, "", err
	}
	if create := state.Get(eventmodel.MRoomCreate, ""); create == nil {
		return nil, "", errs.New(errs.Invalid, "vm: room %s has no m.room.create in its current state", roomID)
	}

	eb := eventmodel.EventBuilder{
		Sender:     userID,
		RoomID:     roomID,
		Type:       eventmodel.MRoomMember,
		StateKey:   &userID,
		PrevEvents: []string{head.EventID},
		AuthEvents: joinAuthEventIDs(state, userID),
		Depth:      head.Depth + 1,
	}
	if err := eb.SetContent(map[string]interface{}{"membership": eventmodel.MembershipJoin}); err != nil {
		return nil, "", errs.Wrap(errs.Invalid, err, "vm: encoding join content for %s", userID)
	}

	_, originDomain, err := eventmodel.SplitID('@', userID)
	if err != nil {
		return nil, "", errs.Wrap(errs.Invalid, err, "vm: invalid user id %s proposing to join %s", userID, roomID)
	}

	proto, err := eb.Proto(time.Now(), originDomain, roomVersion)
	if err != nil {
		return nil, "", errs.Wrap(errs.Fatal, err, "vm: building join prototype for %s in %s", userID, roomID)
	}
	return proto, roomVersion, nil
}

// joinAuthEventIDs selects the auth_events a join event must reference.
func joinAuthEventIDs(state authrules.State, userID string) []string {
	var ids []string
	for _, key := range []authrules.StateKey{
		{Type: eventmodel.MRoomCreate, StateKey: ""},
		{Type: eventmodel.MRoomPowerLevels, StateKey: ""},
		{Type: eventmodel.MRoomJoinRules, StateKey: ""},
		{Type: eventmodel.MRoomMember, StateKey: userID},
	} {
		if ev := state.Get(key.Type, key.StateKey); ev != nil {
			ids = append(ids, ev.EventID())
		}
	}
	return ids
}
