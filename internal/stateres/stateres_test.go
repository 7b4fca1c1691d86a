package stateres

import (
	"testing"
	"time"

	"github.com/construct-go/homeserver/internal/authrules"
	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

type memStore struct {
	events map[string]*eventmodel.Event
}

func newMemStore() *memStore { return &memStore{events: map[string]*eventmodel.Event{}} }

func (m *memStore) Event(id string) (*eventmodel.Event, bool) {
	ev, ok := m.events[id]
	return ev, ok
}

func (m *memStore) add(ev *eventmodel.Event) { m.events[ev.EventID()] = ev }

func strp(s string) *string { return &s }

func buildAt(t *testing.T, ts time.Time, sender, roomID, evType string, stateKey *string, content map[string]interface{}, prev, auth []string) *eventmodel.Event {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	eb := eventmodel.EventBuilder{
		Sender:     sender,
		RoomID:     roomID,
		Type:       evType,
		StateKey:   stateKey,
		PrevEvents: prev,
		AuthEvents: auth,
		Depth:      int64(len(prev) + 1),
	}
	require.NoError(t, eb.SetContent(content))
	ev, err := eb.Build(ts, "a.test", eventmodel.KeyID("ed25519:t"), priv, eventmodel.RoomVersionV9)
	require.NoError(t, err)
	return &ev
}

func TestResolveSingleParentReturnsItsStateUnchanged(t *testing.T) {
	create := buildAt(t, time.Now(), "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""),
		map[string]interface{}{"creator": "@alice:a.test"}, nil, nil)
	state := authrules.BuildState([]*eventmodel.Event{create})

	resolved, err := Resolve(eventmodel.RoomVersionV9, []authrules.State{state}, newMemStore())
	require.NoError(t, err)
	require.Equal(t, create.EventID(), resolved.Get(eventmodel.MRoomCreate, "").EventID())
}

func TestResolveV2RejectsPowerLevelChangeExceedingSenderLevel(t *testing.T) {
	st := newMemStore()
	base := time.Now()

	create := buildAt(t, base, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""),
		map[string]interface{}{"creator": "@alice:a.test"}, nil, nil)
	st.add(create)

	pl := buildAt(t, base.Add(time.Second), "@alice:a.test", "!r:a.test", eventmodel.MRoomPowerLevels, strp(""),
		map[string]interface{}{"users": map[string]interface{}{"@alice:a.test": 100, "@bob:a.test": 50}},
		[]string{create.EventID()}, []string{create.EventID()})
	st.add(pl)

	aliceJoin := buildAt(t, base.Add(2*time.Second), "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@alice:a.test"),
		map[string]interface{}{"membership": "join"}, []string{pl.EventID()}, []string{create.EventID(), pl.EventID()})
	st.add(aliceJoin)
	bobJoin := buildAt(t, base.Add(2*time.Second), "@bob:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@bob:a.test"),
		map[string]interface{}{"membership": "join"}, []string{pl.EventID()}, []string{create.EventID(), pl.EventID()})
	st.add(bobJoin)

	// Two conflicting power_levels changes citing the same parent: alice's
	// is a legitimate update within her own level; bob's tries to grant
	// himself a level above his own and must always fail auth, regardless
	// of processing order.
	fromAlice := buildAt(t, base.Add(3*time.Second), "@alice:a.test", "!r:a.test", eventmodel.MRoomPowerLevels, strp(""),
		map[string]interface{}{"users": map[string]interface{}{"@alice:a.test": 100, "@bob:a.test": 50}, "invite": 25},
		[]string{aliceJoin.EventID()}, []string{create.EventID(), pl.EventID(), aliceJoin.EventID()})
	st.add(fromAlice)

	fromBob := buildAt(t, base.Add(3*time.Second), "@bob:a.test", "!r:a.test", eventmodel.MRoomPowerLevels, strp(""),
		map[string]interface{}{"users": map[string]interface{}{"@alice:a.test": 100, "@bob:a.test": 100}},
		[]string{bobJoin.EventID()}, []string{create.EventID(), pl.EventID(), bobJoin.EventID()})
	st.add(fromBob)

	stateA := authrules.BuildState([]*eventmodel.Event{create, pl, aliceJoin, bobJoin, fromAlice})
	stateB := authrules.BuildState([]*eventmodel.Event{create, pl, aliceJoin, bobJoin, fromBob})

	resolved, err := Resolve(eventmodel.RoomVersionV9, []authrules.State{stateA, stateB}, st)
	require.NoError(t, err)

	plResolved := resolved.Get(eventmodel.MRoomPowerLevels, "")
	require.NotNil(t, plResolved)
	require.Equal(t, "@alice:a.test", plResolved.Sender())
}
