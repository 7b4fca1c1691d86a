// Package roomhead tracks each room's frontier: the set of committed
// events with no committed descendant. The VM's commit
// phase is the sole mutator; readers (new-event prev_events selection,
// diagnostics) only ever see a point-in-time snapshot.
package roomhead

import (
	"sync"

	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/store"
)

// Entry is one member of a room's head set.
type Entry struct {
	EventID  string
	Depth    int64
	EventIdx uint64
}

// Tracker caches each room's head set in memory, backed by the store's
// room_head column for cold-start recovery and durability.
type Tracker struct {
	st *store.Store

	mu    sync.RWMutex
	rooms map[string]map[string]Entry // room_id -> event_id -> Entry
}

// New constructs a Tracker over an opened store.
func New(st *store.Store) *Tracker {
	return &Tracker{st: st, rooms: make(map[string]map[string]Entry)}
}

// Fetch loads room_id's head set from the store into memory, deriving it
// from room_head directly if present, or by scanning room_events backwards
// falling back to cold-start derivation if the cache has nothing yet.
// It is safe to call repeatedly; later calls are no-ops once a room is
// cached, matching the tracker's role as a write-through cache rather than
// a derivation to repeat on every read.
func (t *Tracker) Fetch(roomID string) error {
	t.mu.RLock()
	_, cached := t.rooms[roomID]
	t.mu.RUnlock()
	if cached {
		return nil
	}

	heads, err := t.st.IterRoomHead(roomID)
	if err != nil {
		return err
	}
	set := make(map[string]Entry, len(heads))
	if len(heads) > 0 {
		for _, h := range heads {
			depth, derr := t.depthOf(h.EventIdx)
			if derr != nil {
				return derr
			}
			set[h.EventID] = Entry{EventID: h.EventID, Depth: depth, EventIdx: h.EventIdx}
		}
	} else {
		set, err = t.deriveFromRoomEvents(roomID)
		if err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.rooms[roomID] = set
	t.mu.Unlock()
	return nil
}

func (t *Tracker) depthOf(idx uint64) (int64, error) {
	b, err := t.st.Field(idx, "depth")
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, errs.New(errs.Fatal, "roomhead: malformed depth field for idx %d", idx)
	}
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return int64(v), nil
}

// deriveFromRoomEvents implements cold-start derivation: scan
// room_events backwards from the highest depth, collecting every event_id
// encountered, then subtract any event_id referenced as a prev_event by
// something already seen — whatever remains unreferenced is the head set.
// It relies on each event's prev_events being recoverable from its stored
// JSON, since room_events itself only carries a state-root digest.
func (t *Tracker) deriveFromRoomEvents(roomID string) (map[string]Entry, error) {
	referenced := make(map[string]bool)
	candidates := make(map[string]Entry)

	err := t.st.IterRoomEventsDesc(roomID, 256, func(e store.RoomEventEntry) bool {
		eventJSON, jerr := t.st.EventJSON(e.EventIdx)
		if jerr != nil {
			return true
		}
		eventID, prevIDs, perr := parseIDAndPrevEvents(eventJSON)
		if perr != nil {
			return true
		}
		if !referenced[eventID] {
			candidates[eventID] = Entry{EventID: eventID, Depth: e.Depth, EventIdx: e.EventIdx}
		}
		for _, p := range prevIDs {
			referenced[p] = true
			delete(candidates, p)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// Top returns the head-set member of greatest depth, tie-broken by the
// largest event_idx.
func (t *Tracker) Top(roomID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.rooms[roomID]
	var best Entry
	found := false
	for _, e := range set {
		if !found || e.Depth > best.Depth || (e.Depth == best.Depth && e.EventIdx > best.EventIdx) {
			best = e
			found = true
		}
	}
	return best, found
}

// ParentsForNew returns a snapshot of room_id's current head event_ids, for
// use as prev_events on a newly built local event.
func (t *Tracker) ParentsForNew(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.rooms[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Advance removes an accepted event's parents from the head set and
// inserts the event itself, maintaining the invariant that every member of
// the head set is committed and has no committed descendant.
func (t *Tracker) Advance(roomID, eventID string, depth int64, eventIdx uint64, removedParents []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.rooms[roomID]
	if set == nil {
		set = make(map[string]Entry)
		t.rooms[roomID] = set
	}
	for _, p := range removedParents {
		delete(set, p)
	}
	set[eventID] = Entry{EventID: eventID, Depth: depth, EventIdx: eventIdx}
}

// Snapshot returns every (event_id, depth) pair currently in room_id's
// cached head set, for diagnostics and tests.
func (t *Tracker) Snapshot(roomID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.rooms[roomID]
	out := make([]Entry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	return out
}
