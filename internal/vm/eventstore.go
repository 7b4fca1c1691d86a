package vm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/construct-go/homeserver/internal/authrules"
	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/construct-go/homeserver/internal/fiber"
)

// cache records a parsed event in the staged map, the home for events that
// have passed well-formedness/hash/signature checks but are not yet
// committed: later phases of the same or a subsequent item can see them
// without re-parsing or re-fetching.
func (vm *VM) cache(ev *eventmodel.Event) {
	vm.stagedMu.Lock()
	vm.staged[ev.EventID()] = ev
	vm.stagedMu.Unlock()
}

func (vm *VM) uncache(eventID string) {
	vm.stagedMu.Lock()
	delete(vm.staged, eventID)
	vm.stagedMu.Unlock()
}

// Event looks up an event by id, first among staged-but-uncommitted events,
// then the durable store. It does not fetch over federation; callers that
// need that must go through vm.fetchAncestor. It implements
// stateres.EventStore and is also what authrules' auth replay uses to
// resolve auth_events/prev_events references to *eventmodel.Event values.
func (vm *VM) Event(eventID string) (*eventmodel.Event, bool) {
	vm.stagedMu.Lock()
	if ev, ok := vm.staged[eventID]; ok {
		vm.stagedMu.Unlock()
		return ev, true
	}
	vm.stagedMu.Unlock()

	eventJSON, roomVersion, ok, err := vm.loadCommitted(eventID)
	if err != nil || !ok {
		return nil, false
	}
	ev, err := eventmodel.NewEventFromTrustedJSON(eventJSON, false, roomVersion)
	if err != nil {
		return nil, false
	}
	return &ev, true
}

// loadCommitted fetches an event's raw JSON from the durable store and
// derives the room version it was committed under from that room's
// m.room.create event.
func (vm *VM) loadCommitted(eventID string) (eventJSON []byte, roomVersion eventmodel.RoomVersion, ok bool, err error) {
	eventJSON, ok, err = vm.store.EventJSONByID(eventID)
	if err != nil || !ok {
		return nil, "", ok, err
	}
	var partial struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(eventJSON, &partial); err != nil {
		return nil, "", false, errs.Wrap(errs.Fatal, err, "vm: parsing room_id of committed event %s", eventID)
	}
	roomVersion, err = vm.roomVersionOf(partial.RoomID)
	return eventJSON, roomVersion, err == nil, err
}

// roomVersionOf derives a room's version from its m.room.create event's
// content, defaulting to room version 1 as the Matrix spec requires for a
// create event silent on the field.
func (vm *VM) roomVersionOf(roomID string) (eventmodel.RoomVersion, error) {
	idx, ok, err := vm.store.StateEventIdx(roomID, "m.room.create", "")
	if err != nil {
		return "", err
	}
	if !ok {
		return eventmodel.RoomVersionV1, nil
	}
	createJSON, err := vm.store.EventJSON(idx)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Content struct {
			RoomVersion string `json:"room_version"`
		} `json:"content"`
	}
	if err := json.Unmarshal(createJSON, &parsed); err != nil {
		return "", errs.Wrap(errs.Fatal, err, "vm: parsing create content for %s", roomID)
	}
	if parsed.Content.RoomVersion == "" {
		return eventmodel.RoomVersionV1, nil
	}
	return eventmodel.RoomVersion(parsed.Content.RoomVersion), nil
}

// fetchAncestor resolves eventID to an *eventmodel.Event, fetching it over
// federation (via origin, the server that referenced it) when neither
// staged nor committed locally. This is the ancestor-fetch phase's single
// suspension point: the federation round trip suspends the calling fiber.
func (vm *VM) fetchAncestor(f *fiber.Fiber, eventID, origin string, roomVersion eventmodel.RoomVersion, depthBudget int) (*eventmodel.Event, error) {
	if ev, ok := vm.Event(eventID); ok {
		return ev, nil
	}
	if depthBudget <= 0 {
		return nil, errs.New(errs.FetchFailed, "vm: ancestor fetch depth budget exhausted for %s", eventID)
	}
	if vm.fed == nil || origin == "" {
		return nil, errs.New(errs.FetchFailed, "vm: %s is missing and no federation client is configured", eventID)
	}

	raw, err := vm.fed.Event(f, origin, eventID)
	if err != nil {
		return nil, errs.Wrap(errs.FetchFailed, err, "vm: fetching missing event %s from %s", eventID, origin)
	}
	ev, err := eventmodel.NewEventFromUntrustedJSON(raw, roomVersion)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "vm: parsing fetched event %s", eventID)
	}
	if err := vm.verifySignature(f, &ev); err != nil {
		return nil, err
	}
	// A fetched ancestor's own ancestors must be resolvable too, or state
	// resolution and auth replay over it will fail later; resolve its
	// auth_events/prev_events chain eagerly, one level at a time, bounded
	// by the same depth budget.
	for _, parentID := range append(append([]string{}, ev.AuthEventIDs()...), ev.PrevEventIDs()...) {
		if _, ok := vm.Event(parentID); ok {
			continue
		}
		if _, err := vm.fetchAncestor(f, parentID, origin, roomVersion, depthBudget-1); err != nil {
			return nil, err
		}
	}
	vm.cache(&ev)
	return &ev, nil
}

// stateEventsOf resolves a flat list of (type, state_key)-identified event
// ids into *eventmodel.Event values via Event, dropping any that cannot be
// found (state resolution tolerates holes; auth replay against a partial
// state is still meaningful for the events it does have).
func (vm *VM) stateEventsOf(eventIDs []string) []*eventmodel.Event {
	out := make([]*eventmodel.Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		if ev, ok := vm.Event(id); ok {
			out = append(out, ev)
		}
	}
	return out
}

// parentStateOf recovers the resolved state snapshot at a prev_events
// parent by following its recorded state-root digest into the state_node
// column. A parent with no recorded digest (an outlier fetched standalone,
// never itself the subject of state resolution) resolves to empty state.
func (vm *VM) parentStateOf(roomID, parentEventID string) (authrules.State, error) {
	digest, ok, err := vm.store.StateRootDigestOf(roomID, parentEventID)
	if err != nil {
		return nil, err
	}
	if !ok || len(digest) == 0 {
		return authrules.State{}, nil
	}
	node, ok, err := vm.store.StateNode(stateNodeKey(digest))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Fatal, "vm: state node %x referenced by %s is missing", digest, parentEventID)
	}
	flat, err := decodeStateNode(node)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "vm: decoding state node for %s", parentEventID)
	}
	state := make(authrules.State, len(flat))
	for k, eventID := range flat {
		parts := splitStateNodeKey(k)
		ev, ok := vm.Event(eventID)
		if !ok {
			continue
		}
		state[authrules.StateKey{Type: parts[0], StateKey: parts[1]}] = ev
	}
	return state, nil
}

func splitStateNodeKey(k string) [2]string {
	for i := 0; i < len(k); i++ {
		if k[i] == '\x1f' {
			return [2]string{k[:i], k[i+1:]}
		}
	}
	return [2]string{k, ""}
}

// stateNodeKey renders a state-root digest as the string key state_node is
// indexed under.
func stateNodeKey(digest []byte) string {
	return hex.EncodeToString(digest)
}

// encodeStateNode serialises a resolved state into a deterministic,
// content-addressed node: a JSON object mapping "type\x1fstate_key" to
// event_id. encoding/json sorts map keys by string order when marshalling,
// so the same state always produces the same bytes and therefore the same
// digest, satisfying state resolution's determinism requirement without
// needing a structurally-shared tree.
func encodeStateNode(state authrules.State) (digest, node []byte, err error) {
	flat := make(map[string]string, len(state))
	for key, ev := range state {
		flat[key.Type+"\x1f"+key.StateKey] = ev.EventID()
	}
	node, err = json.Marshal(flat)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(node)
	return sum[:], node, nil
}

func decodeStateNode(node []byte) (map[string]string, error) {
	flat := make(map[string]string)
	if err := json.Unmarshal(node, &flat); err != nil {
		return nil, err
	}
	return flat, nil
}

// sortedStateKeys is a small helper used when logging/iterating state
// deterministically.
func sortedStateKeys(state authrules.State) []authrules.StateKey {
	keys := make([]authrules.StateKey, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].StateKey < keys[j].StateKey
	})
	return keys
}
