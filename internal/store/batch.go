package store

import (
	"github.com/construct-go/homeserver/internal/errs"
	bolt "go.etcd.io/bbolt"
)

// CommitRecord is everything the VM's commit phase
// writes atomically for one accepted event.
type CommitRecord struct {
	EventID        string
	EventJSON      []byte
	RoomID         string
	Depth          int64
	Sender         string
	Type           string
	StateKey       *string
	IsStateEvent   bool
	SoftFailed     bool
	Membership     string // non-empty only for m.room.member
	Origin         string // server part of StateKey, for room_joined
	StateRootDigest []byte
	RemovedParents []string // event_ids to drop from room_head
}

// Commit performs the single batched, multi-column write this store's
// invariants require: event_json and event_idx are written together so
// neither can exist without the other, secondary indices are written only
// once event_idx is known, and the head set is updated last.
func (s *Store) Commit(rec CommitRecord) (eventIdx uint64, err error) {
	txErr := s.db.Update(func(tx *bolt.Tx) error {
		eventIdx, err = s.nextEventIdx(tx)
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketEventJSON).Put(encodeUint64(eventIdx), rec.EventJSON); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEventIdx).Put([]byte(rec.EventID), encodeUint64(eventIdx)); err != nil {
			return err
		}

		fields := map[string]string{
			"sender":    rec.Sender,
			"type":      rec.Type,
			"room_id":   rec.RoomID,
		}
		for name, val := range fields {
			if err := tx.Bucket(fieldBucketName(name)).Put(encodeUint64(eventIdx), []byte(val)); err != nil {
				return err
			}
		}
		if rec.StateKey != nil {
			if err := tx.Bucket(fieldBucketName("state_key")).Put(encodeUint64(eventIdx), []byte(*rec.StateKey)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(fieldBucketName("depth")).Put(encodeUint64(eventIdx), encodeUint64(uint64(rec.Depth))); err != nil {
			return err
		}

		roomEventsKey := encodeRoomEventsKey(rec.RoomID, rec.Depth, eventIdx)
		if err := tx.Bucket(bucketRoomEvents).Put(roomEventsKey, rec.StateRootDigest); err != nil {
			return err
		}

		if rec.IsStateEvent && !rec.SoftFailed && rec.StateKey != nil {
			stateKey := encodeRoomStateKey(rec.RoomID, rec.Type, *rec.StateKey)
			if err := tx.Bucket(bucketRoomState).Put(stateKey, encodeUint64(eventIdx)); err != nil {
				return err
			}
		}

		if rec.Type == "m.room.member" && rec.StateKey != nil {
			joinedKey := encodeRoomJoinedKey(rec.RoomID, rec.Origin, *rec.StateKey)
			joined := tx.Bucket(bucketRoomJoined)
			if rec.Membership == "join" {
				if err := joined.Put(joinedKey, encodeUint64(eventIdx)); err != nil {
					return err
				}
			} else {
				if err := joined.Delete(joinedKey); err != nil {
					return err
				}
			}
		}

		head := tx.Bucket(bucketRoomHead)
		for _, parent := range rec.RemovedParents {
			if err := head.Delete(encodeRoomHeadKey(rec.RoomID, parent)); err != nil {
				return err
			}
		}
		if err := head.Put(encodeRoomHeadKey(rec.RoomID, rec.EventID), encodeUint64(eventIdx)); err != nil {
			return err
		}

		return nil
	})
	if txErr != nil {
		return 0, errs.Wrap(errs.Fatal, txErr, "store: commit %s", rec.EventID)
	}
	return eventIdx, nil
}

func (s *Store) nextEventIdx(tx *bolt.Tx) (uint64, error) {
	seq := tx.Bucket(bucketSequences)
	n, err := seq.NextSequence()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PutStateNode writes a serialised state-tree node keyed by its root id.
func (s *Store) PutStateNode(rootID string, node []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStateNode).Put([]byte(rootID), node)
	})
	if err != nil {
		return errs.Wrap(errs.Fatal, err, "store: put state node %s", rootID)
	}
	return nil
}
