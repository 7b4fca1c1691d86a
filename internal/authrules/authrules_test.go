package authrules

import (
	"testing"
	"time"

	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func genKey(t *testing.T) (eventmodel.KeyID, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return eventmodel.KeyID("ed25519:t"), priv
}

func build(t *testing.T, sender, roomID, evType string, stateKey *string, content map[string]interface{}, prev []string) *eventmodel.Event {
	t.Helper()
	keyID, priv := genKey(t)
	eb := eventmodel.EventBuilder{
		Sender:     sender,
		RoomID:     roomID,
		Type:       evType,
		StateKey:   stateKey,
		PrevEvents: prev,
		AuthEvents: prev,
		Depth:      int64(len(prev) + 1),
	}
	require.NoError(t, eb.SetContent(content))
	ev, err := eb.Build(time.Now(), "a.test", keyID, priv, eventmodel.RoomVersionV9)
	require.NoError(t, err)
	return &ev
}

func strp(s string) *string { return &s }

func TestCreateEventRequiresMatchingDomains(t *testing.T) {
	create := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""), map[string]interface{}{"creator": "@alice:a.test"}, nil)
	require.NoError(t, checkCreate(create))
}

func TestJoinRequiresSenderEqualsStateKey(t *testing.T) {
	create := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""), map[string]interface{}{"creator": "@alice:a.test"}, nil)
	state := BuildState([]*eventmodel.Event{create})

	badJoin := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@bob:a.test"),
		map[string]interface{}{"membership": "join"}, []string{create.EventID()})

	err := Check(badJoin, state)
	require.Error(t, err)
}

func TestInviteRequiresPowerLevel(t *testing.T) {
	create := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""), map[string]interface{}{"creator": "@alice:a.test"}, nil)
	aliceJoin := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@alice:a.test"),
		map[string]interface{}{"membership": "join"}, []string{create.EventID()})
	bobJoinedDirectly := build(t, "@bob:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@bob:a.test"),
		map[string]interface{}{"membership": "join"}, []string{create.EventID()})
	raisedInviteLevel := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomPowerLevels, strp(""),
		map[string]interface{}{"invite": 50, "users": map[string]interface{}{"@alice:a.test": 100}}, []string{create.EventID()})
	state := BuildState([]*eventmodel.Event{create, aliceJoin, bobJoinedDirectly, raisedInviteLevel})

	invite := build(t, "@bob:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@carol:a.test"),
		map[string]interface{}{"membership": "invite"}, []string{create.EventID()})

	err := Check(invite, state)
	require.Error(t, err, "bob is below the room's invite power level and should not be able to invite")
}

func TestCreatorCanInviteByDefault(t *testing.T) {
	create := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""), map[string]interface{}{"creator": "@alice:a.test"}, nil)
	aliceJoin := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@alice:a.test"),
		map[string]interface{}{"membership": "join"}, []string{create.EventID()})
	state := BuildState([]*eventmodel.Event{create, aliceJoin})

	invite := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@bob:a.test"),
		map[string]interface{}{"membership": "invite"}, []string{create.EventID()})

	require.NoError(t, Check(invite, state))
}

func TestBannedUserCannotRejoin(t *testing.T) {
	create := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""), map[string]interface{}{"creator": "@alice:a.test"}, nil)
	aliceJoin := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@alice:a.test"),
		map[string]interface{}{"membership": "join"}, []string{create.EventID()})
	ban := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@bob:a.test"),
		map[string]interface{}{"membership": "ban"}, []string{create.EventID()})
	state := BuildState([]*eventmodel.Event{create, aliceJoin, ban})

	rejoin := build(t, "@bob:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@bob:a.test"),
		map[string]interface{}{"membership": "join"}, []string{create.EventID()})

	err := Check(rejoin, state)
	require.Error(t, err)
}

func TestPowerLevelsEventCannotExceedSenderLevel(t *testing.T) {
	create := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""), map[string]interface{}{"creator": "@alice:a.test"}, nil)
	aliceJoin := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@alice:a.test"),
		map[string]interface{}{"membership": "join"}, []string{create.EventID()})
	state := BuildState([]*eventmodel.Event{create, aliceJoin})

	pls := build(t, "@alice:a.test", "!r:a.test", eventmodel.MRoomPowerLevels, strp(""),
		map[string]interface{}{"users": map[string]interface{}{"@alice:a.test": 100, "@mallory:a.test": 101}},
		[]string{create.EventID()})

	err := Check(pls, state)
	require.Error(t, err, "alice cannot grant a level above her own")
}
