// Package eventmodel implements the Matrix event: its canonical-JSON
// signing/hashing preimage, content-addressed identifier, builder, and
// room-version-aware (de)serialisation. It is grounded on the retrieved
// gomatrixserverlib Event/EventBuilder split: an opaque struct wrapping
// canonicalised JSON bytes plus a parsed fields union keyed by event
// format, rather than a plain exported struct, so that the on-wire bytes
// and the parsed view can never drift apart.
package eventmodel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ServerName is the DNS-like name of a homeserver, as it appears in
// `origin`, `sender`'s domain part, and federation requests.
type ServerName string

// Timestamp is milliseconds since the Unix epoch, as carried by
// origin_server_ts.
type Timestamp int64

// KeyID names a specific signing key of a server, e.g. "ed25519:a_1".
type KeyID string

// Base64String is a byte string carried as unpadded-or-padded base64 in
// JSON; it marshals/unmarshals transparently.
type Base64String []byte

// MarshalJSON implements json.Marshaler.
func (b Base64String) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON implements json.Unmarshaler, accepting both standard and
// URL-safe, padded and unpadded base64 as servers in the wild emit all four.
func (b *Base64String) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := decodeAnyBase64(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

func decodeAnyBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("eventmodel: %q is not valid base64", s)
}

// RawJSON holds an undecoded JSON value as a value type (so it survives
// being embedded by value in structs that are themselves marshalled).
type RawJSON []byte

// MarshalJSON implements json.Marshaler using a value receiver.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON implements json.Unmarshaler using a pointer receiver.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// SplitID splits a sigil-prefixed Matrix ID ("@alice:example.org") into its
// localpart and server name.
func SplitID(sigil byte, id string) (local string, domain ServerName, err error) {
	if len(id) == 0 || id[0] != sigil {
		return "", "", fmt.Errorf("eventmodel: invalid ID %q doesn't start with %q", id, string(sigil))
	}
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("eventmodel: invalid ID %q missing ':'", id)
	}
	return parts[0][1:], ServerName(parts[1]), nil
}

// MemberContent is the content of an m.room.member event, enough of it to
// drive auth and the room_joined index.
type MemberContent struct {
	Membership string  `json:"membership"`
	DisplayName *string `json:"displayname,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

const (
	MRoomCreate            = "m.room.create"
	MRoomMember            = "m.room.member"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomAliases           = "m.room.aliases"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomRedaction         = "m.room.redaction"
	MRoomThirdPartyInvite  = "m.room.third_party_invite"
)

const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)
