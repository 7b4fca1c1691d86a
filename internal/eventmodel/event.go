package eventmodel

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/construct-go/homeserver/internal/canonicaljson"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// maxEventLength is the hard Matrix protocol cap on total serialised event
// size.
const maxEventLength = 65535

// maxIDLength bounds event_id/room_id/sender/type/state_key, matching the
// retrieved gomatrixserverlib excerpt's size-limit checks.
const maxIDLength = 255

// EventBuilder assembles a new locally-originated event. It mirrors the
// retrieved gomatrixserverlib EventBuilder: prev_events/auth_events are
// interface{} because their wire shape depends on the room version
// (tuple-style for v1/v2, plain ID strings for v3+).
type EventBuilder struct {
	Sender     string      `json:"sender"`
	RoomID     string      `json:"room_id"`
	Type       string      `json:"type"`
	StateKey   *string     `json:"state_key,omitempty"`
	PrevEvents interface{} `json:"prev_events"`
	AuthEvents interface{} `json:"auth_events"`
	Redacts    string      `json:"redacts,omitempty"`
	Depth      int64       `json:"depth"`
	Content    RawJSON     `json:"content"`
	Unsigned   RawJSON     `json:"unsigned,omitempty"`
}

// SetContent marshals content into the builder's Content field.
func (eb *EventBuilder) SetContent(content interface{}) (err error) {
	eb.Content, err = json.Marshal(content)
	return
}

// Event is an immutable Matrix event. The zero value is not usable; build
// one via EventBuilder.Build, NewEventFromUntrustedJSON, or
// NewEventFromTrustedJSON.
type Event struct {
	redacted    bool
	softFailed  bool
	eventJSON   []byte
	fields      interface{}
	roomVersion RoomVersion
}

type eventFields struct {
	EventID        string     `json:"event_id,omitempty"`
	RoomID         string     `json:"room_id"`
	Sender         string     `json:"sender"`
	Type           string     `json:"type"`
	StateKey       *string    `json:"state_key"`
	Content        RawJSON    `json:"content"`
	Redacts        string     `json:"redacts"`
	Depth          int64      `json:"depth"`
	Unsigned       RawJSON    `json:"unsigned"`
	OriginServerTS Timestamp  `json:"origin_server_ts"`
	Origin         ServerName `json:"origin"`
}

type eventFormatV1Fields struct {
	eventFields
	PrevEvents []EventReference `json:"prev_events"`
	AuthEvents []EventReference `json:"auth_events"`
}

type eventFormatV2Fields struct {
	eventFields
	PrevEvents []string `json:"prev_events"`
	AuthEvents []string `json:"auth_events"`
}

// Build finalises an EventBuilder into a signed, hashed Event. Call this
// once per distinct event: a fresh EventBuilder (or at least a fresh
// PrevEvents/AuthEvents snapshot) is required per call since the result
// depends on the room's current frontier.
func (eb *EventBuilder) Build(now time.Time, origin ServerName, keyID KeyID, privateKey ed25519.PrivateKey, roomVersion RoomVersion) (result Event, err error) {
	eventFormat, err := roomVersion.EventFormat()
	if err != nil {
		return result, err
	}
	eventIDFormat, err := roomVersion.EventIDFormat()
	if err != nil {
		return result, err
	}
	redactionAlg, err := roomVersion.RedactionAlgorithm()
	if err != nil {
		return result, err
	}

	var event struct {
		EventBuilder
		EventID        string     `json:"event_id"`
		OriginServerTS Timestamp  `json:"origin_server_ts"`
		Origin         ServerName `json:"origin"`
	}
	event.EventBuilder = *eb
	if eventIDFormat == EventIDFormatV1 {
		event.EventID = fmt.Sprintf("$%s:%s", uuid.NewString(), origin)
	}
	event.OriginServerTS = Timestamp(now.UnixMilli())
	event.Origin = origin

	switch eventFormat {
	case EventFormatV1:
		if event.PrevEvents == nil {
			event.PrevEvents = []EventReference{}
		}
		if event.AuthEvents == nil {
			event.AuthEvents = []EventReference{}
		}
	case EventFormatV2:
		resPrev, resAuth := []string{}, []string{}
		if refs, ok := event.PrevEvents.([]EventReference); ok {
			for _, r := range refs {
				resPrev = append(resPrev, r.EventID)
			}
		}
		if refs, ok := event.AuthEvents.([]EventReference); ok {
			for _, r := range refs {
				resAuth = append(resAuth, r.EventID)
			}
		}
		event.PrevEvents, event.AuthEvents = resPrev, resAuth
	}

	eventJSON, err := json.Marshal(&event)
	if err != nil {
		return result, err
	}
	if eventFormat == EventFormatV2 {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, "event_id"); err != nil {
			return result, err
		}
	}
	if eventJSON, err = addContentHashes(eventJSON); err != nil {
		return result, err
	}
	if eventJSON, err = signEvent(string(origin), keyID, privateKey, eventJSON, redactionAlg); err != nil {
		return result, err
	}
	if eventJSON, err = canonicaljson.Marshal(eventJSON); err != nil {
		return result, err
	}

	result.roomVersion = roomVersion
	result.eventJSON = eventJSON
	if err = result.populateFieldsFromJSON(eventJSON); err != nil {
		return result, err
	}
	if err = result.CheckFields(); err != nil {
		return result, err
	}
	return result, nil
}

// Proto renders eb as an unsigned event template, the shape a make_join
// response hands back to the joining server: prev_events/auth_events are
// normalised to the room version's wire format and origin/origin_server_ts
// are filled in, but no event_id, content hash, or signature is added,
// since filling those in is the joining server's own responsibility once
// it has the template.
func (eb *EventBuilder) Proto(now time.Time, origin ServerName, roomVersion RoomVersion) (RawJSON, error) {
	eventFormat, err := roomVersion.EventFormat()
	if err != nil {
		return nil, err
	}

	var event struct {
		EventBuilder
		OriginServerTS Timestamp  `json:"origin_server_ts"`
		Origin         ServerName `json:"origin"`
	}
	event.EventBuilder = *eb
	event.OriginServerTS = Timestamp(now.UnixMilli())
	event.Origin = origin

	switch eventFormat {
	case EventFormatV1:
		if event.PrevEvents == nil {
			event.PrevEvents = []EventReference{}
		}
		if event.AuthEvents == nil {
			event.AuthEvents = []EventReference{}
		}
	case EventFormatV2:
		event.PrevEvents = normalizeIDList(event.PrevEvents)
		event.AuthEvents = normalizeIDList(event.AuthEvents)
	}

	return json.Marshal(&event)
}

// normalizeIDList accepts either a v1-style []EventReference or a v3+-style
// []string and returns a plain []string, matching Build's own handling of
// whichever form a caller populated an EventBuilder's PrevEvents/AuthEvents
// field with.
func normalizeIDList(v interface{}) []string {
	switch ids := v.(type) {
	case []string:
		return ids
	case []EventReference:
		out := make([]string, 0, len(ids))
		for _, r := range ids {
			out = append(out, r.EventID)
		}
		return out
	default:
		return []string{}
	}
}

// stripTransportOnlyFields removes the wire-only keys a federation
// transaction envelope carries but that never belong to the hashed/signed
// event itself: event_id on room versions that derive it from the
// reference hash instead, plus the outlier/destinations/age_ts keys a
// server can pick up accidentally (the same set synapse's own receive
// path strips for the same reason).
func stripTransportOnlyFields(eventJSON []byte, roomVersion RoomVersion) ([]byte, error) {
	format, err := roomVersion.EventFormat()
	if err != nil {
		return nil, err
	}
	out := eventJSON
	if format == EventFormatV2 {
		var derr error
		if out, derr = sjson.DeleteBytes(out, "event_id"); derr != nil {
			return nil, derr
		}
	}
	for _, key := range []string{"outlier", "destinations", "age_ts"} {
		var derr error
		if out, derr = sjson.DeleteBytes(out, key); derr != nil {
			return nil, derr
		}
	}
	return out, nil
}

// NewEventFromUntrustedJSON parses and validates event JSON received from a
// remote server: well-formedness, then a content-hash check. A hash
// mismatch is not itself an error here: the event is redacted in place
// and flagged Redacted instead of rejected outright, since intermediate
// servers are known to rewrite unsigned fields in transit and the
// redacted form is what forward state actually needs.
func NewEventFromUntrustedJSON(eventJSON []byte, roomVersion RoomVersion) (Event, error) {
	var result Event
	if len(eventJSON) > maxEventLength {
		return result, fmt.Errorf("eventmodel: event is %d bytes, exceeds maximum %d", len(eventJSON), maxEventLength)
	}
	result.roomVersion = roomVersion

	redactionAlg, err := roomVersion.RedactionAlgorithm()
	if err != nil {
		return result, err
	}
	wire, err := stripTransportOnlyFields(eventJSON, roomVersion)
	if err != nil {
		return result, err
	}
	if err := result.populateFieldsFromJSON(wire); err != nil {
		return result, err
	}
	canon, err := canonicaljson.Marshal(wire)
	if err != nil {
		return result, err
	}
	result.eventJSON = canon

	if hashErr := checkContentHash(canon); hashErr != nil {
		redacted, err := Redact(canon, redactionAlg)
		if err != nil {
			return result, err
		}
		redacted, err = canonicaljson.Marshal(redacted)
		if err != nil {
			return result, err
		}
		// A redaction that changes nothing means canon was already
		// minimal; the fields already populated above still describe it.
		// Otherwise the stripped fields (content, prev/auth refs trimmed
		// to what the redaction algorithm keeps) mean a full reparse is
		// the only correct way to repopulate result.fields.
		if !bytes.Equal(redacted, canon) {
			reparsed, rerr := NewEventFromTrustedJSON(redacted, true, roomVersion)
			if rerr != nil {
				return result, rerr
			}
			result = reparsed
		}
		result.redacted = true
		result.eventJSON = redacted
	}

	if err := result.CheckFields(); err != nil {
		return result, err
	}
	return result, nil
}

// NewEventFromTrustedJSON loads an event already known to be well-formed
// (e.g. read back from the store), skipping the hash/signature checks.
func NewEventFromTrustedJSON(eventJSON []byte, redacted bool, roomVersion RoomVersion) (result Event, err error) {
	result.roomVersion = roomVersion
	result.redacted = redacted
	result.eventJSON = eventJSON
	err = result.populateFieldsFromJSON(eventJSON)
	return
}

func (e *Event) populateFieldsFromJSON(eventJSON []byte) error {
	eventFormat, err := e.roomVersion.EventFormat()
	if err != nil {
		return err
	}
	switch eventFormat {
	case EventFormatV1:
		fields := eventFormatV1Fields{}
		if err := json.Unmarshal(eventJSON, &fields); err != nil {
			return err
		}
		fields.fixNilSlices()
		e.fields = fields
	case EventFormatV2:
		if eventJSON, err = sjson.DeleteBytes(eventJSON, "event_id"); err != nil {
			return err
		}
		fields := eventFormatV2Fields{}
		if err := json.Unmarshal(eventJSON, &fields); err != nil {
			return err
		}
		redactionAlg, rerr := e.roomVersion.RedactionAlgorithm()
		if rerr != nil {
			return rerr
		}
		_, sum, err := referenceOfEvent(eventJSON, redactionAlg)
		if err != nil {
			return err
		}
		idFormat, err := e.roomVersion.EventIDFormat()
		if err != nil {
			return err
		}
		if idFormat == EventIDFormatV2 {
			fields.EventID = "$" + base64.RawStdEncoding.EncodeToString(sum)
		} else {
			fields.EventID = "$" + base64.RawURLEncoding.EncodeToString(sum)
		}
		fields.fixNilSlices()
		e.fields = fields
	default:
		return errors.New("eventmodel: room version not supported")
	}
	return nil
}

func (f *eventFormatV1Fields) fixNilSlices() {
	if f.AuthEvents == nil {
		f.AuthEvents = []EventReference{}
	}
	if f.PrevEvents == nil {
		f.PrevEvents = []EventReference{}
	}
}

func (f *eventFormatV2Fields) fixNilSlices() {
	if f.AuthEvents == nil {
		f.AuthEvents = []string{}
	}
	if f.PrevEvents == nil {
		f.PrevEvents = []string{}
	}
}

// Redacted reports whether the event failed its content-hash check and
// has been reduced to its redacted projection.
func (e *Event) Redacted() bool { return e.redacted }

// SoftFailed reports whether the event failed auth against resolved state
// (VM phase 8) and is therefore excluded from forward state.
func (e *Event) SoftFailed() bool { return e.softFailed }

// SetSoftFailed marks the event soft-failed; called by the VM after phase 8.
func (e *Event) SetSoftFailed(v bool) { e.softFailed = v }

// JSON returns the canonical JSON bytes of the event as committed.
func (e *Event) JSON() []byte { return e.eventJSON }

// RoomVersion returns the room version this event was parsed against.
func (e *Event) RoomVersion() RoomVersion { return e.roomVersion }

// Sign returns a copy of the event with an additional signature spliced in.
func (e *Event) Sign(signingName string, keyID KeyID, privateKey ed25519.PrivateKey) (Event, error) {
	redactionAlg, err := e.roomVersion.RedactionAlgorithm()
	if err != nil {
		return Event{}, err
	}
	eventJSON, err := signEvent(signingName, keyID, privateKey, e.eventJSON, redactionAlg)
	if err != nil {
		return Event{}, err
	}
	if eventJSON, err = canonicaljson.Marshal(eventJSON); err != nil {
		return Event{}, err
	}
	return Event{redacted: e.redacted, eventJSON: eventJSON, fields: e.fields, roomVersion: e.roomVersion}, nil
}

// KeyIDs returns the key IDs that signingName has signed the event with.
func (e *Event) KeyIDs(signingName string) ([]KeyID, error) {
	return ListKeyIDs(signingName, e.eventJSON)
}

// Verify checks signingName's signature with the given key.
func (e *Event) Verify(signingName string, keyID KeyID, publicKey ed25519.PublicKey) error {
	redactionAlg, err := e.roomVersion.RedactionAlgorithm()
	if err != nil {
		return err
	}
	return verifyEventSignature(signingName, keyID, publicKey, e.eventJSON, redactionAlg)
}

// EventReference returns this event's reference as used in v1/v2
// prev_events/auth_events tuples.
func (e *Event) EventReference() (EventReference, error) {
	redactionAlg, err := e.roomVersion.RedactionAlgorithm()
	if err != nil {
		return EventReference{}, err
	}
	id, sum, err := referenceOfEvent(e.eventJSON, redactionAlg)
	if err != nil {
		return EventReference{}, err
	}
	if id == "" {
		id = e.EventID()
	}
	return EventReference{EventID: id, EventSHA256: sum}, nil
}

// CheckFields validates ID shapes and overall size, implementing the
// structural half of the VM's well-formedness phase.
func (e *Event) CheckFields() error {
	var fields eventFields
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		if f.AuthEvents == nil || f.PrevEvents == nil {
			return errors.New("eventmodel: auth_events and prev_events must not be nil")
		}
		fields = f.eventFields
	case eventFormatV2Fields:
		if f.AuthEvents == nil || f.PrevEvents == nil {
			return errors.New("eventmodel: auth_events and prev_events must not be nil")
		}
		fields = f.eventFields
	default:
		return errors.New(e.invalidFieldType())
	}

	if len(e.eventJSON) > maxEventLength {
		return fmt.Errorf("eventmodel: event is %d bytes, exceeds maximum %d", len(e.eventJSON), maxEventLength)
	}
	if len(fields.Type) > maxIDLength {
		return fmt.Errorf("eventmodel: event type too long: %d > %d", len(fields.Type), maxIDLength)
	}
	if fields.StateKey != nil && len(*fields.StateKey) > maxIDLength {
		return fmt.Errorf("eventmodel: state_key too long: %d > %d", len(*fields.StateKey), maxIDLength)
	}
	if _, err := checkID(fields.RoomID, "room", '!'); err != nil {
		return err
	}
	if _, err := checkID(fields.Sender, "user", '@'); err != nil {
		return err
	}

	eventIDFormat, err := e.roomVersion.EventIDFormat()
	if err != nil {
		return err
	}
	if eventIDFormat == EventIDFormatV1 {
		eventDomain, err := checkID(e.fields.(eventFormatV1Fields).EventID, "event", '$')
		if err != nil {
			return err
		}
		if fields.Origin != ServerName(eventDomain) {
			return fmt.Errorf("eventmodel: event ID domain %q doesn't match origin %q", eventDomain, fields.Origin)
		}
	}
	return nil
}

func checkID(id, kind string, sigil byte) (domain string, err error) {
	_, domain, err = SplitID(sigil, id)
	if err != nil {
		return "", err
	}
	if len(id) > maxIDLength {
		return "", fmt.Errorf("eventmodel: %s ID too long: %d > %d", kind, len(id), maxIDLength)
	}
	return string(domain), nil
}

func (e *Event) Origin() ServerName {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.Origin
	case eventFormatV2Fields:
		return f.Origin
	default:
		panic(e.invalidFieldType())
	}
}

func (e *Event) EventID() string {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.EventID
	case eventFormatV2Fields:
		return f.EventID
	default:
		panic(e.invalidFieldType())
	}
}

func (e *Event) Sender() string {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.Sender
	case eventFormatV2Fields:
		return f.Sender
	default:
		panic(e.invalidFieldType())
	}
}

func (e *Event) Type() string {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.Type
	case eventFormatV2Fields:
		return f.Type
	default:
		panic(e.invalidFieldType())
	}
}

func (e *Event) OriginServerTS() Timestamp {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.OriginServerTS
	case eventFormatV2Fields:
		return f.OriginServerTS
	default:
		panic(e.invalidFieldType())
	}
}

func (e *Event) Unsigned() []byte {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.Unsigned
	case eventFormatV2Fields:
		return f.Unsigned
	default:
		panic(e.invalidFieldType())
	}
}

func (e *Event) Content() []byte {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return []byte(f.Content)
	case eventFormatV2Fields:
		return []byte(f.Content)
	default:
		panic(e.invalidFieldType())
	}
}

func (e *Event) StateKey() *string {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.StateKey
	case eventFormatV2Fields:
		return f.StateKey
	default:
		panic(e.invalidFieldType())
	}
}

// IsState reports whether the event carries a state_key and therefore
// participates in the room's state map.
func (e *Event) IsState() bool { return e.StateKey() != nil }

func (e *Event) Redacts() string {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.Redacts
	case eventFormatV2Fields:
		return f.Redacts
	default:
		panic(e.invalidFieldType())
	}
}

func (e *Event) RoomID() string {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.RoomID
	case eventFormatV2Fields:
		return f.RoomID
	default:
		panic(e.invalidFieldType())
	}
}

func (e *Event) Depth() int64 {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		return f.Depth
	case eventFormatV2Fields:
		return f.Depth
	default:
		panic(e.invalidFieldType())
	}
}

// PrevEventIDs returns the event IDs of this event's direct ancestors.
func (e *Event) PrevEventIDs() []string {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		out := make([]string, 0, len(f.PrevEvents))
		for _, r := range f.PrevEvents {
			out = append(out, r.EventID)
		}
		return out
	case eventFormatV2Fields:
		return f.PrevEvents
	default:
		panic(e.invalidFieldType())
	}
}

// AuthEventIDs returns the event IDs this event cites to justify itself.
func (e *Event) AuthEventIDs() []string {
	switch f := e.fields.(type) {
	case eventFormatV1Fields:
		out := make([]string, 0, len(f.AuthEvents))
		for _, r := range f.AuthEvents {
			out = append(out, r.EventID)
		}
		return out
	case eventFormatV2Fields:
		return f.AuthEvents
	default:
		panic(e.invalidFieldType())
	}
}

// Membership returns content.membership for an m.room.member event.
func (e *Event) Membership() (string, error) {
	if e.Type() != MRoomMember {
		return "", fmt.Errorf("eventmodel: not an m.room.member event")
	}
	var content MemberContent
	if err := json.Unmarshal(e.Content(), &content); err != nil {
		return "", err
	}
	return content.Membership, nil
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.eventJSON == nil {
		return nil, fmt.Errorf("eventmodel: cannot serialise uninitialised Event")
	}
	return e.eventJSON, nil
}

// Headered pairs the event with its room version for contexts (like
// federation responses) where the version must travel with the event.
func (e Event) Headered(roomVersion RoomVersion) HeaderedEvent {
	return HeaderedEvent{EventHeader: EventHeader{RoomVersion: roomVersion}, Event: e}
}

func (e *Event) invalidFieldType() string {
	if e == nil {
		return "eventmodel: method called on nil event"
	}
	if e.fields == nil {
		return fmt.Sprintf("eventmodel: event has no fields (room version %q)", e.roomVersion)
	}
	return fmt.Sprintf("eventmodel: field type %q invalid", reflect.TypeOf(e.fields).Name())
}
