package eventmodel

import (
	"encoding/json"
	"fmt"
)

// EventReference is a reference to an event as carried in v1/v2 room
// prev_events/auth_events: a [event_id, {"sha256": ...}] tuple.
type EventReference struct {
	EventID     string
	EventSHA256 Base64String
}

// UnmarshalJSON implements json.Unmarshaler for the [id, {sha256}] tuple.
func (er *EventReference) UnmarshalJSON(data []byte) error {
	var tuple []RawJSON
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("eventmodel: invalid event reference, length %d != 2", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &er.EventID); err != nil {
		return fmt.Errorf("eventmodel: invalid event reference id: %w", err)
	}
	var hashes struct {
		SHA256 Base64String `json:"sha256"`
	}
	if err := json.Unmarshal(tuple[1], &hashes); err != nil {
		return fmt.Errorf("eventmodel: invalid event reference hash: %w", err)
	}
	er.EventSHA256 = hashes.SHA256
	return nil
}

// MarshalJSON implements json.Marshaler for the [id, {sha256}] tuple.
func (er EventReference) MarshalJSON() ([]byte, error) {
	hashes := struct {
		SHA256 Base64String `json:"sha256"`
	}{er.EventSHA256}
	return json.Marshal([]interface{}{er.EventID, hashes})
}

var emptyEventReferenceList = []EventReference{}
