// Package store implements the content-addressed columnar store of
// a columnar event store on top of go.etcd.io/bbolt: named buckets act as columns,
// bolt.Cursor supplies ordered iteration, and bolt.Tx supplies the atomic
// multi-column batch writes the event pipeline's commit phase needs. Key
// encoding follows a fixed-width storage-table idiom: big-endian
// fixed-width integers for monotonic ids, composite keys built by
// concatenating fixed-width fields for tuples.
package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/construct-go/homeserver/internal/errs"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEventJSON  = []byte("event_json")
	bucketEventIdx   = []byte("event_idx")
	bucketRoomEvents = []byte("room_events")
	bucketRoomState  = []byte("room_state")
	bucketRoomJoined = []byte("room_joined")
	bucketRoomHead   = []byte("room_head")
	bucketStateNode  = []byte("state_node")
	bucketSequences  = []byte("sequences")

	fieldColumnPrefix = "field_"
)

var coreBuckets = [][]byte{
	bucketEventJSON,
	bucketEventIdx,
	bucketRoomEvents,
	bucketRoomState,
	bucketRoomJoined,
	bucketRoomHead,
	bucketStateNode,
	bucketSequences,
}

// FieldColumns lists the per-field selective-read columns this store
// calls for; each holds one top-level event field keyed by event_idx, so a
// reader can fetch e.g. just sender/type without decoding the full
// canonical JSON blob.
var FieldColumns = []string{"sender", "type", "state_key", "room_id", "depth"}

func fieldBucketName(field string) []byte {
	return []byte(fieldColumnPrefix + field)
}

// Store is the embedded key-value engine handle. The zero value is not
// usable; construct one with Open.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path and ensures all
// required columns exist.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, err, "store: open %s", path)
	}
	s := &Store{db: db}
	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range coreBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		for _, field := range FieldColumns {
			if _, err := tx.CreateBucketIfNotExists(fieldBucketName(field)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Encoding helpers. Monotonic event indices are encoded big-endian so bolt's
// natural byte-lexicographic key order matches numeric order, which is what
// the room_events column's depth-ordered iteration and Cursor.Seek rely on.

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeRoomEventsKey(roomID string, depth int64, eventIdx uint64) []byte {
	key := make([]byte, 0, len(roomID)+1+8+8)
	key = append(key, []byte(roomID)...)
	key = append(key, 0)
	depthBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(depthBuf, uint64(depth))
	key = append(key, depthBuf...)
	key = append(key, encodeUint64(eventIdx)...)
	return key
}

func encodeRoomStateKey(roomID, evType, stateKey string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s", roomID, evType, stateKey))
}

func encodeRoomJoinedKey(roomID string, origin string, userID string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s", roomID, origin, userID))
}

func encodeRoomHeadKey(roomID, eventID string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s", roomID, eventID))
}

func roomPrefix(roomID string) []byte {
	return append([]byte(roomID), 0)
}
