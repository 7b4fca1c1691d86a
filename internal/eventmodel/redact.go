package eventmodel

import "encoding/json"

// Redact strips the user-controlled fields from event JSON, leaving only
// the fields needed to authenticate the event and, for a handful of
// grandfathered event types, the subset of content the room-version's
// redaction algorithm preserves. The original bytes are never mutated in
// place: callers keep the pre-redaction JSON for signature re-verification
// and store the redacted projection separately.
func Redact(eventJSON []byte, alg RedactionAlgorithm) ([]byte, error) {
	type createContent struct {
		Creator    RawJSON `json:"creator,omitempty"`
		RoomVersion RawJSON `json:"room_version,omitempty"`
	}
	type joinRulesContent struct {
		JoinRule RawJSON `json:"join_rule,omitempty"`
	}
	type powerLevelContent struct {
		Users         RawJSON `json:"users,omitempty"`
		UsersDefault  RawJSON `json:"users_default,omitempty"`
		Events        RawJSON `json:"events,omitempty"`
		EventsDefault RawJSON `json:"events_default,omitempty"`
		StateDefault  RawJSON `json:"state_default,omitempty"`
		Ban           RawJSON `json:"ban,omitempty"`
		Kick          RawJSON `json:"kick,omitempty"`
		Redact        RawJSON `json:"redact,omitempty"`
	}
	type memberContent struct {
		Membership             RawJSON `json:"membership,omitempty"`
		JoinAuthorisedViaUsers RawJSON `json:"join_authorised_via_users_server,omitempty"`
	}
	type aliasesContent struct {
		Aliases RawJSON `json:"aliases,omitempty"`
	}
	type historyVisibilityContent struct {
		HistoryVisibility RawJSON `json:"history_visibility,omitempty"`
	}
	type allContent struct {
		createContent
		joinRulesContent
		powerLevelContent
		memberContent
		aliasesContent
		historyVisibilityContent
	}
	type eventFields struct {
		EventID        RawJSON    `json:"event_id,omitempty"`
		Sender         RawJSON    `json:"sender,omitempty"`
		RoomID         RawJSON    `json:"room_id,omitempty"`
		Hashes         RawJSON    `json:"hashes,omitempty"`
		Signatures     RawJSON    `json:"signatures,omitempty"`
		Content        allContent `json:"content"`
		Type           string     `json:"type"`
		StateKey       RawJSON    `json:"state_key,omitempty"`
		Depth          RawJSON    `json:"depth,omitempty"`
		PrevEvents     RawJSON    `json:"prev_events,omitempty"`
		AuthEvents     RawJSON    `json:"auth_events,omitempty"`
		Origin         RawJSON    `json:"origin,omitempty"`
		OriginServerTS RawJSON    `json:"origin_server_ts,omitempty"`
		Redacts        RawJSON    `json:"redacts,omitempty"`
	}

	var event eventFields
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}

	var kept allContent
	switch event.Type {
	case MRoomCreate:
		kept.createContent = event.Content.createContent
	case MRoomMember:
		kept.memberContent.Membership = event.Content.memberContent.Membership
		if alg >= RedactionV11 {
			kept.memberContent.JoinAuthorisedViaUsers = event.Content.memberContent.JoinAuthorisedViaUsers
		}
	case MRoomJoinRules:
		kept.joinRulesContent = event.Content.joinRulesContent
	case MRoomPowerLevels:
		kept.powerLevelContent = event.Content.powerLevelContent
	case MRoomHistoryVisibility:
		kept.historyVisibilityContent = event.Content.historyVisibilityContent
	case MRoomAliases:
		if alg < RedactionV11 {
			kept.aliasesContent = event.Content.aliasesContent
		}
	}
	event.Content = kept

	return json.Marshal(&event)
}
