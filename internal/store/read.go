package store

import (
	"bytes"

	"github.com/construct-go/homeserver/internal/errs"
	bolt "go.etcd.io/bbolt"
)

// EventIdxOf returns the event_idx for event_id, or ok=false if unindexed.
func (s *Store) EventIdxOf(eventID string) (idx uint64, ok bool, err error) {
	txErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEventIdx).Get([]byte(eventID))
		if v == nil {
			return nil
		}
		idx = decodeUint64(v)
		ok = true
		return nil
	})
	if txErr != nil {
		return 0, false, errs.Wrap(errs.Fatal, txErr, "store: event idx of %s", eventID)
	}
	return idx, ok, nil
}

// HasEvent reports whether event_id is already committed, the point read
// the VM's duplicate-check phase needs.
func (s *Store) HasEvent(eventID string) (bool, error) {
	_, ok, err := s.EventIdxOf(eventID)
	return ok, err
}

// EventJSON fetches the canonical JSON for a committed event_idx.
func (s *Store) EventJSON(idx uint64) ([]byte, error) {
	var out []byte
	txErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEventJSON).Get(encodeUint64(idx))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if txErr != nil {
		return nil, errs.Wrap(errs.Fatal, txErr, "store: event json %d", idx)
	}
	if out == nil {
		return nil, errs.New(errs.Invalid, "store: no event_json for idx %d", idx)
	}
	return out, nil
}

// EventJSONByID is the common point-read path: resolve event_id to its
// event_idx, then fetch the stored canonical JSON.
func (s *Store) EventJSONByID(eventID string) ([]byte, bool, error) {
	idx, ok, err := s.EventIdxOf(eventID)
	if err != nil || !ok {
		return nil, ok, err
	}
	j, err := s.EventJSON(idx)
	return j, true, err
}

// Field reads a single per-field column value for idx, for callers that
// only need e.g. sender/type/room_id without decoding the whole event.
func (s *Store) Field(idx uint64, field string) ([]byte, error) {
	var out []byte
	txErr := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(fieldBucketName(field))
		if b == nil {
			return errs.New(errs.Invalid, "store: unknown field column %q", field)
		}
		if v := b.Get(encodeUint64(idx)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if txErr != nil {
		return nil, errs.Wrap(errs.Fatal, txErr, "store: field %s of %d", field, idx)
	}
	return out, nil
}

// StateEventIdx resolves the event_idx currently holding room state for
// (type, state_key) in room_id, or ok=false if no such state event exists.
func (s *Store) StateEventIdx(roomID, evType, stateKey string) (idx uint64, ok bool, err error) {
	txErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRoomState).Get(encodeRoomStateKey(roomID, evType, stateKey))
		if v == nil {
			return nil
		}
		idx = decodeUint64(v)
		ok = true
		return nil
	})
	if txErr != nil {
		return 0, false, errs.Wrap(errs.Fatal, txErr, "store: state idx %s/%s/%s", roomID, evType, stateKey)
	}
	return idx, ok, nil
}

// StateRootDigestOf looks up the state-root digest recorded against
// event_id's room_events row, the link the VM's state-resolution phase
// follows to recover the state at each prev_events parent.
func (s *Store) StateRootDigestOf(roomID, eventID string) (digest []byte, ok bool, err error) {
	idx, ok, err := s.EventIdxOf(eventID)
	if err != nil || !ok {
		return nil, ok, err
	}
	depthBytes, err := s.Field(idx, "depth")
	if err != nil {
		return nil, false, err
	}
	if depthBytes == nil {
		return nil, false, nil
	}
	depth := int64(decodeUint64(depthBytes))
	txErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRoomEvents).Get(encodeRoomEventsKey(roomID, depth, idx))
		if v != nil {
			digest = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	if txErr != nil {
		return nil, false, errs.Wrap(errs.Fatal, txErr, "store: state root digest of %s", eventID)
	}
	return digest, ok, nil
}

// RoomEventEntry is one row of the room_events index.
type RoomEventEntry struct {
	RoomID          string
	Depth           int64
	EventIdx        uint64
	StateRootDigest []byte
}

// IterRoomEventsDesc iterates a room's committed events in descending depth
// order (the direction roomhead.Fetch's backward scan needs on cold start),
// calling visit for each until it returns false or the room's rows are
// exhausted. A non-zero prefetch makes visit run in batches: that many rows
// are decoded from the cursor before each batch is visited. A zero prefetch
// decodes every row of the room before the first visit. Either way the
// cursor steps back one Prev() at a time.
func (s *Store) IterRoomEventsDesc(roomID string, prefetch int, visit func(RoomEventEntry) bool) error {
	prefix := roomPrefix(roomID)
	txErr := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRoomEvents).Cursor()
		// Position just past this room's key range, then step backward.
		upper := append(append([]byte{}, prefix...), 0xff)
		k, v := c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		buffered := make([]RoomEventEntry, 0, prefetch)
		for k != nil && bytes.HasPrefix(k, prefix) {
			entry := decodeRoomEventsKey(k, v)
			buffered = append(buffered, entry)
			if prefetch > 0 && len(buffered) >= prefetch {
				for _, e := range buffered {
					if !visit(e) {
						return nil
					}
				}
				buffered = buffered[:0]
			}
			k, v = c.Prev()
		}
		for _, e := range buffered {
			if !visit(e) {
				return nil
			}
		}
		return nil
	})
	if txErr != nil {
		return errs.Wrap(errs.Fatal, txErr, "store: iter room events %s", roomID)
	}
	return nil
}

func decodeRoomEventsKey(k, v []byte) RoomEventEntry {
	// key = roomID \x00 depth(8) eventIdx(8)
	nullIdx := bytes.IndexByte(k, 0)
	roomID := string(k[:nullIdx])
	rest := k[nullIdx+1:]
	depth := int64(decodeUint64(rest[:8]))
	idx := decodeUint64(rest[8:16])
	return RoomEventEntry{RoomID: roomID, Depth: depth, EventIdx: idx, StateRootDigest: append([]byte(nil), v...)}
}

// RoomHeadEntry is one row of the room_head column.
type RoomHeadEntry struct {
	EventID  string
	EventIdx uint64
}

// IterRoomHead lists every event currently in room_id's head set.
func (s *Store) IterRoomHead(roomID string) ([]RoomHeadEntry, error) {
	var out []RoomHeadEntry
	prefix := roomPrefix(roomID)
	txErr := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRoomHead).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			eventID := string(k[len(prefix):])
			out = append(out, RoomHeadEntry{EventID: eventID, EventIdx: decodeUint64(v)})
		}
		return nil
	})
	if txErr != nil {
		return nil, errs.Wrap(errs.Fatal, txErr, "store: iter room head %s", roomID)
	}
	return out, nil
}

// IterRoomState lists every (type, state_key) -> event_idx row currently
// recorded for room_id.
func (s *Store) IterRoomState(roomID string) (map[[2]string]uint64, error) {
	out := make(map[[2]string]uint64)
	prefix := roomPrefix(roomID)
	txErr := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRoomState).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rest := k[len(prefix):]
			parts := bytes.SplitN(rest, []byte{0}, 2)
			if len(parts) != 2 {
				continue
			}
			out[[2]string{string(parts[0]), string(parts[1])}] = decodeUint64(v)
		}
		return nil
	})
	if txErr != nil {
		return nil, errs.Wrap(errs.Fatal, txErr, "store: iter room state %s", roomID)
	}
	return out, nil
}

// StateNode fetches a serialised state-tree node by its root id.
func (s *Store) StateNode(rootID string) ([]byte, bool, error) {
	var out []byte
	txErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStateNode).Get([]byte(rootID))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if txErr != nil {
		return nil, false, errs.Wrap(errs.Fatal, txErr, "store: state node %s", rootID)
	}
	return out, out != nil, nil
}

// JoinedMembers lists user_ids currently joined to room_id, as the
// room_joined column records them.
func (s *Store) JoinedMembers(roomID string) ([]string, error) {
	var out []string
	prefix := roomPrefix(roomID)
	txErr := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRoomJoined).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rest := k[len(prefix):]
			parts := bytes.SplitN(rest, []byte{0}, 2)
			if len(parts) != 2 {
				continue
			}
			out = append(out, string(parts[1]))
		}
		return nil
	})
	if txErr != nil {
		return nil, errs.Wrap(errs.Fatal, txErr, "store: joined members %s", roomID)
	}
	return out, nil
}
