package eventmodel

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func testKey(t *testing.T) (KeyID, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return KeyID("ed25519:test"), priv
}

func buildCreateEvent(t *testing.T, rv RoomVersion) Event {
	t.Helper()
	keyID, priv := testKey(t)
	eb := EventBuilder{
		Sender: "@alice:a.test",
		RoomID: "!room:a.test",
		Type:   MRoomCreate,
	}
	sk := ""
	eb.StateKey = &sk
	require.NoError(t, eb.SetContent(map[string]interface{}{
		"creator":      "@alice:a.test",
		"room_version": string(rv),
	}))
	eb.Depth = 1
	ev, err := eb.Build(time.Now(), "a.test", keyID, priv, rv)
	require.NoError(t, err)
	return ev
}

func TestBuildAndParseRoundTrip(t *testing.T) {
	for _, rv := range []RoomVersion{RoomVersionV1, RoomVersionV4, RoomVersionV9} {
		ev := buildCreateEvent(t, rv)
		parsed, err := NewEventFromTrustedJSON(ev.JSON(), false, rv)
		require.NoError(t, err)
		require.Equal(t, ev.EventID(), parsed.EventID())
		require.Equal(t, ev.Sender(), parsed.Sender())
		require.Equal(t, ev.RoomID(), parsed.RoomID())
	}
}

func TestCreateEventDepthIsOne(t *testing.T) {
	ev := buildCreateEvent(t, RoomVersionV9)
	require.EqualValues(t, 1, ev.Depth())
	require.Empty(t, ev.PrevEventIDs())
}

func TestEventIDDeterministicForV3Plus(t *testing.T) {
	ev := buildCreateEvent(t, RoomVersionV4)
	ref1, err := ev.EventReference()
	require.NoError(t, err)
	ref2, err := ev.EventReference()
	require.NoError(t, err)
	require.Equal(t, ref1.EventID, ref2.EventID)
	require.True(t, strings.HasPrefix(ev.EventID(), "$"))
}

func TestContentHashMismatchRedacts(t *testing.T) {
	ev := buildCreateEvent(t, RoomVersionV9)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(ev.JSON(), &doc))
	doc["content"] = json.RawMessage(`{"creator":"@mallory:evil.test"}`)
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)

	parsed, err := NewEventFromUntrustedJSON(tampered, RoomVersionV9)
	require.NoError(t, err)
	require.True(t, parsed.Redacted())
}

func TestOversizeEventRejected(t *testing.T) {
	ev := buildCreateEvent(t, RoomVersionV9)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(ev.JSON(), &doc))
	padding := make([]byte, maxEventLength)
	for i := range padding {
		padding[i] = 'x'
	}
	big, _ := json.Marshal(string(padding))
	doc["content"] = json.RawMessage(`{"creator":"@alice:a.test","pad":` + string(big) + `}`)
	oversized, err := json.Marshal(doc)
	require.NoError(t, err)
	require.Greater(t, len(oversized), maxEventLength)

	_, err = NewEventFromUntrustedJSON(oversized, RoomVersionV9)
	require.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	keyID, priv := testKey(t)
	pub := priv.Public().(ed25519.PublicKey)
	ev := buildCreateEvent(t, RoomVersionV9)
	signed, err := ev.Sign("a.test", keyID, priv)
	require.NoError(t, err)
	require.NoError(t, signed.Verify("a.test", keyID, pub))
}

func TestRedactionPreservesEventID(t *testing.T) {
	rv := RoomVersionV9
	keyID, priv := testKey(t)
	eb := EventBuilder{Sender: "@alice:a.test", RoomID: "!r:a.test", Type: "m.room.message"}
	require.NoError(t, eb.SetContent(map[string]interface{}{"body": "hello", "msgtype": "m.text"}))
	eb.PrevEvents = []string{"$parent"}
	eb.AuthEvents = []string{"$parent"}
	eb.Depth = 2
	ev, err := eb.Build(time.Now(), "a.test", keyID, priv, rv)
	require.NoError(t, err)

	alg, err := rv.RedactionAlgorithm()
	require.NoError(t, err)
	redacted, err := Redact(ev.JSON(), alg)
	require.NoError(t, err)

	var before, after struct {
		Content map[string]interface{} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(ev.JSON(), &before))
	require.NoError(t, json.Unmarshal(redacted, &after))
	require.NotEqual(t, before.Content, after.Content)
	require.Contains(t, string(redacted), ev.Sender())

	reparsed, err := NewEventFromTrustedJSON(redacted, true, rv)
	require.NoError(t, err)
	require.Equal(t, ev.EventID(), reparsed.EventID())
}
