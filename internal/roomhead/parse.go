package roomhead

import "encoding/json"

// parseIDAndPrevEvents extracts just event_id and prev_events from raw
// event JSON, tolerating both the v1 tuple-style prev_events
// ([["$id", {"sha256": "..."}], ...]) and the v3+ plain-string-array style
// ("$id", ...), since the cold-start head derivation walks events spanning
// whichever room version they were authored under.
func parseIDAndPrevEvents(eventJSON []byte) (eventID string, prevIDs []string, err error) {
	var head struct {
		EventID    string          `json:"event_id"`
		PrevEvents json.RawMessage `json:"prev_events"`
	}
	if err := json.Unmarshal(eventJSON, &head); err != nil {
		return "", nil, err
	}
	eventID = head.EventID

	var plain []string
	if err := json.Unmarshal(head.PrevEvents, &plain); err == nil {
		return eventID, plain, nil
	}

	var tuples [][]json.RawMessage
	if err := json.Unmarshal(head.PrevEvents, &tuples); err != nil {
		return "", nil, err
	}
	prevIDs = make([]string, 0, len(tuples))
	for _, tuple := range tuples {
		if len(tuple) == 0 {
			continue
		}
		var id string
		if err := json.Unmarshal(tuple[0], &id); err != nil {
			continue
		}
		prevIDs = append(prevIDs, id)
	}
	return eventID, prevIDs, nil
}
