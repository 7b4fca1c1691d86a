package eventmodel

import "fmt"

// RoomVersion identifies the version of the room-version-dependent event
// format, event ID derivation, state resolution algorithm, and redaction
// algorithm in force for a room. Kept as a string, per the Matrix room
// version grammar which allows future non-numeric versions.
type RoomVersion string

// StateResAlgorithm names a state resolution algorithm.
type StateResAlgorithm int

// EventFormat names the shape of prev_events/auth_events on the wire.
type EventFormat int

// EventIDFormat names how an event ID is derived.
type EventIDFormat int

const (
	RoomVersionV1 RoomVersion = "1"
	RoomVersionV2 RoomVersion = "2"
	RoomVersionV3 RoomVersion = "3"
	RoomVersionV4 RoomVersion = "4"
	RoomVersionV5 RoomVersion = "5"
	RoomVersionV6 RoomVersion = "6"
	RoomVersionV9 RoomVersion = "9"
)

const (
	// EventFormatV1 carries prev_events/auth_events as [id, {sha256}] tuples.
	EventFormatV1 EventFormat = iota + 1
	// EventFormatV2 carries prev_events/auth_events as plain event ID strings.
	EventFormatV2
)

const (
	EventIDFormatV1 EventIDFormat = iota + 1 // random localpart + origin
	EventIDFormatV2                          // base64 (std, no pad) of SHA-256 reference hash
	EventIDFormatV3                          // base64 (url, no pad) of SHA-256 reference hash
)

const (
	StateResV1 StateResAlgorithm = iota + 1
	StateResV2
)

// RedactionAlgorithm names the version-specific set of content keys
// preserved across a redaction.
type RedactionAlgorithm int

const (
	RedactionV1 RedactionAlgorithm = iota + 1 // rooms v1-v6
	RedactionV11                              // rooms v9+: also keeps join_authorised_via_users_server, drops m.room.aliases content
)

// Description carries the per-room-version behaviour this server supports.
type Description struct {
	Supported          bool
	StateResAlgorithm  StateResAlgorithm
	EventFormat        EventFormat
	EventIDFormat      EventIDFormat
	RedactionAlgorithm RedactionAlgorithm
	// StrictValidityChecking requires signatures to still validate for keys
	// past their expiry window (room version 5 and onward).
	StrictValidityChecking bool
	// EnforceIntegerPowerLevels rejects floating point / stringly power
	// level values in m.room.power_levels content (room version 10+,
	// included here for forward compatibility though not required by
	// the room versions this server supports).
	EnforceIntegerPowerLevels bool
}

var descriptions = map[RoomVersion]Description{
	RoomVersionV1: {
		Supported: true, StateResAlgorithm: StateResV1,
		EventFormat: EventFormatV1, EventIDFormat: EventIDFormatV1,
		RedactionAlgorithm: RedactionV1,
	},
	RoomVersionV2: {
		Supported: true, StateResAlgorithm: StateResV2,
		EventFormat: EventFormatV1, EventIDFormat: EventIDFormatV1,
		RedactionAlgorithm: RedactionV1,
	},
	RoomVersionV3: {
		Supported: true, StateResAlgorithm: StateResV2,
		EventFormat: EventFormatV2, EventIDFormat: EventIDFormatV2,
		RedactionAlgorithm: RedactionV1,
	},
	RoomVersionV4: {
		Supported: true, StateResAlgorithm: StateResV2,
		EventFormat: EventFormatV2, EventIDFormat: EventIDFormatV3,
		RedactionAlgorithm: RedactionV1,
	},
	RoomVersionV5: {
		Supported: true, StateResAlgorithm: StateResV2,
		EventFormat: EventFormatV2, EventIDFormat: EventIDFormatV3,
		RedactionAlgorithm: RedactionV1, StrictValidityChecking: true,
	},
	RoomVersionV6: {
		Supported: true, StateResAlgorithm: StateResV2,
		EventFormat: EventFormatV2, EventIDFormat: EventIDFormatV3,
		RedactionAlgorithm: RedactionV1, StrictValidityChecking: true,
	},
	RoomVersionV9: {
		Supported: true, StateResAlgorithm: StateResV2,
		EventFormat: EventFormatV2, EventIDFormat: EventIDFormatV3,
		RedactionAlgorithm: RedactionV11, StrictValidityChecking: true,
	},
}

// UnsupportedRoomVersionError is returned for any RoomVersion not in
// descriptions above.
type UnsupportedRoomVersionError struct{ Version RoomVersion }

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("eventmodel: unsupported room version %q", e.Version)
}

func (v RoomVersion) describe() (Description, error) {
	d, ok := descriptions[v]
	if !ok {
		return Description{}, UnsupportedRoomVersionError{v}
	}
	return d, nil
}

func (v RoomVersion) StateResAlgorithm() (StateResAlgorithm, error) {
	d, err := v.describe()
	return d.StateResAlgorithm, err
}

func (v RoomVersion) EventFormat() (EventFormat, error) {
	d, err := v.describe()
	return d.EventFormat, err
}

func (v RoomVersion) EventIDFormat() (EventIDFormat, error) {
	d, err := v.describe()
	return d.EventIDFormat, err
}

func (v RoomVersion) RedactionAlgorithm() (RedactionAlgorithm, error) {
	d, err := v.describe()
	return d.RedactionAlgorithm, err
}

func (v RoomVersion) StrictValidityChecking() (bool, error) {
	d, err := v.describe()
	return d.StrictValidityChecking, err
}

// SupportedRoomVersions returns the set of versions this server accepts.
func SupportedRoomVersions() map[RoomVersion]Description {
	out := make(map[RoomVersion]Description, len(descriptions))
	for k, v := range descriptions {
		if v.Supported {
			out[k] = v
		}
	}
	return out
}
