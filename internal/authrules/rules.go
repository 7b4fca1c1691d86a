package authrules

import (
	"encoding/json"

	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/eventmodel"
)

// Check replays the Matrix server-server auth algorithm for ev against
// state, returning an *errs.Error with code errs.Auth describing the first
// rule that failed, or nil if ev is authorised. Callers doing the phase-8
// "auth against resolved state" replay rewrap a non-nil
// result as errs.AuthAtState themselves, since that failure is soft rather
// than final.
func Check(ev *eventmodel.Event, state State) error {
	if ev.Type() == eventmodel.MRoomCreate {
		return checkCreate(ev)
	}

	create := state.Get(eventmodel.MRoomCreate, "")
	if create == nil {
		return errs.New(errs.Auth, "authrules: no m.room.create in state for %s", ev.EventID())
	}

	senderMembership := membershipOf(state, ev.Sender())
	if ev.Type() != eventmodel.MRoomMember && senderMembership != eventmodel.MembershipJoin {
		return errs.New(errs.Auth, "authrules: sender %s not joined (membership=%q)", ev.Sender(), senderMembership)
	}

	creatorID := createCreator(create)
	pl, err := powerLevelsFromState(state, creatorID)
	if err != nil {
		return err
	}

	switch ev.Type() {
	case eventmodel.MRoomMember:
		return checkMembership(ev, state, pl)
	case eventmodel.MRoomPowerLevels:
		return checkPowerLevels(ev, pl)
	case "m.room.redaction":
		return checkRedaction(ev, pl)
	default:
		return checkGenericStateOrMessage(ev, pl)
	}
}

func createCreator(create *eventmodel.Event) string {
	var content struct {
		Creator string `json:"creator"`
	}
	if err := json.Unmarshal(create.Content(), &content); err != nil || content.Creator == "" {
		return create.Sender()
	}
	return content.Creator
}

func checkCreate(ev *eventmodel.Event) error {
	if len(ev.PrevEventIDs()) != 0 {
		return errs.New(errs.Auth, "authrules: m.room.create must have no prev_events")
	}
	_, roomDomain, err := eventmodel.SplitID('!', ev.RoomID())
	if err != nil {
		return errs.Wrap(errs.Auth, err, "authrules: invalid room_id")
	}
	_, senderDomain, err := eventmodel.SplitID('@', ev.Sender())
	if err != nil {
		return errs.Wrap(errs.Auth, err, "authrules: invalid sender")
	}
	if roomDomain != senderDomain {
		return errs.New(errs.Auth, "authrules: m.room.create sender domain %s does not match room domain %s", senderDomain, roomDomain)
	}
	return nil
}

func checkMembership(ev *eventmodel.Event, state State, pl powerLevels) error {
	target := ev.StateKey()
	if target == nil {
		return errs.New(errs.Auth, "authrules: m.room.member missing state_key")
	}
	newMembership, err := ev.Membership()
	if err != nil {
		return errs.Wrap(errs.Auth, err, "authrules: m.room.member missing membership")
	}
	senderMembership := membershipOf(state, ev.Sender())
	targetMembership := membershipOf(state, *target)

	switch newMembership {
	case eventmodel.MembershipJoin:
		if ev.Sender() != *target {
			return errs.New(errs.Auth, "authrules: join event sender must equal state_key")
		}
		switch targetMembership {
		case eventmodel.MembershipJoin, eventmodel.MembershipInvite:
			return nil
		case eventmodel.MembershipBan:
			return errs.New(errs.Auth, "authrules: banned user cannot join")
		default:
			if create := state.Get(eventmodel.MRoomCreate, ""); create != nil && createCreator(create) == ev.Sender() {
				// The room creator's own first join: there is no
				// m.room.join_rules yet for this to check against.
				return nil
			}
			if joinRuleOf(state) != "public" {
				return errs.New(errs.Auth, "authrules: join_rule %q forbids direct join", joinRuleOf(state))
			}
			return nil
		}
	case eventmodel.MembershipInvite:
		if targetMembership == eventmodel.MembershipBan {
			return errs.New(errs.Auth, "authrules: cannot invite a banned user")
		}
		if targetMembership == eventmodel.MembershipJoin {
			return nil
		}
		if senderMembership != eventmodel.MembershipJoin {
			return errs.New(errs.Auth, "authrules: invite sender must be joined")
		}
		if pl.userLevel(ev.Sender()) < pl.Invite {
			return errs.New(errs.Auth, "authrules: insufficient power to invite")
		}
		return nil
	case eventmodel.MembershipLeave:
		if ev.Sender() == *target {
			if targetMembership == eventmodel.MembershipBan {
				return errs.New(errs.Auth, "authrules: banned user cannot self-leave")
			}
			return nil
		}
		if senderMembership != eventmodel.MembershipJoin {
			return errs.New(errs.Auth, "authrules: kicker must be joined")
		}
		if pl.userLevel(ev.Sender()) < pl.Kick || pl.userLevel(ev.Sender()) <= pl.userLevel(*target) {
			return errs.New(errs.Auth, "authrules: insufficient power to kick %s", *target)
		}
		return nil
	case eventmodel.MembershipBan:
		if senderMembership != eventmodel.MembershipJoin {
			return errs.New(errs.Auth, "authrules: banner must be joined")
		}
		if pl.userLevel(ev.Sender()) < pl.Ban || pl.userLevel(ev.Sender()) <= pl.userLevel(*target) {
			return errs.New(errs.Auth, "authrules: insufficient power to ban %s", *target)
		}
		return nil
	case eventmodel.MembershipKnock:
		if joinRuleOf(state) != "knock" {
			return errs.New(errs.Auth, "authrules: join_rule %q forbids knocking", joinRuleOf(state))
		}
		if targetMembership == eventmodel.MembershipBan || targetMembership == eventmodel.MembershipJoin {
			return errs.New(errs.Auth, "authrules: cannot knock in membership state %q", targetMembership)
		}
		return nil
	default:
		return errs.New(errs.Auth, "authrules: unknown membership %q", newMembership)
	}
}

func joinRuleOf(state State) string {
	ev := state.Get(eventmodel.MRoomJoinRules, "")
	if ev == nil {
		return "invite"
	}
	var content struct {
		JoinRule string `json:"join_rule"`
	}
	if err := json.Unmarshal(ev.Content(), &content); err != nil || content.JoinRule == "" {
		return "invite"
	}
	return content.JoinRule
}

func checkPowerLevels(ev *eventmodel.Event, current powerLevels) error {
	if current.userLevel(ev.Sender()) < current.StateDefault {
		return errs.New(errs.Auth, "authrules: sender lacks power to send state events")
	}

	var proposed struct {
		Ban           *int64           `json:"ban"`
		Kick          *int64           `json:"kick"`
		Redact        *int64           `json:"redact"`
		Invite        *int64           `json:"invite"`
		EventsDefault *int64           `json:"events_default"`
		StateDefault  *int64           `json:"state_default"`
		UsersDefault  *int64           `json:"users_default"`
		Events        map[string]int64 `json:"events"`
		Users         map[string]int64 `json:"users"`
	}
	if err := json.Unmarshal(ev.Content(), &proposed); err != nil {
		return errs.Wrap(errs.Auth, err, "authrules: invalid power_levels content")
	}

	senderLevel := current.userLevel(ev.Sender())
	checkDelta := func(name string, newVal *int64) error {
		if newVal != nil && *newVal > senderLevel {
			return errs.New(errs.Auth, "authrules: cannot set %s above own power level", name)
		}
		return nil
	}
	for _, d := range []struct {
		name string
		val  *int64
	}{
		{"ban", proposed.Ban}, {"kick", proposed.Kick}, {"redact", proposed.Redact}, {"invite", proposed.Invite},
		{"events_default", proposed.EventsDefault}, {"state_default", proposed.StateDefault}, {"users_default", proposed.UsersDefault},
	} {
		if err := checkDelta(d.name, d.val); err != nil {
			return err
		}
	}

	for userID, newLevel := range proposed.Users {
		oldLevel := current.userLevel(userID)
		if userID != ev.Sender() && (newLevel > senderLevel || oldLevel > senderLevel) {
			return errs.New(errs.Auth, "authrules: cannot change power level of %s above own level", userID)
		}
	}
	return nil
}

func checkRedaction(ev *eventmodel.Event, pl powerLevels) error {
	if pl.userLevel(ev.Sender()) >= pl.Redact {
		return nil
	}
	_, senderDomain, err := eventmodel.SplitID('@', ev.Sender())
	if err != nil {
		return errs.Wrap(errs.Auth, err, "authrules: invalid redaction sender")
	}
	if redacts := ev.Redacts(); redacts != "" {
		if _, redactsDomain, err2 := eventmodel.SplitID('$', redacts); err2 == nil && redactsDomain == senderDomain {
			return nil
		}
	}
	return errs.New(errs.Auth, "authrules: insufficient power to redact")
}

func checkGenericStateOrMessage(ev *eventmodel.Event, pl powerLevels) error {
	required := pl.eventLevel(ev.Type(), ev.IsState())
	if pl.userLevel(ev.Sender()) < required {
		return errs.New(errs.Auth, "authrules: sender lacks power level %d for %s (has %d)", required, ev.Type(), pl.userLevel(ev.Sender()))
	}
	return nil
}
