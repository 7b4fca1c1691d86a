package vm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/construct-go/homeserver/internal/fiber"
	"github.com/construct-go/homeserver/internal/keyring"
	"github.com/construct-go/homeserver/internal/roomhead"
	"github.com/construct-go/homeserver/internal/store"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

// selfFetcher answers keyring.Fetcher by always returning one fixed
// server's own published key response, standing in for a federation round
// trip in tests that only ever verify events signed by that one server.
type selfFetcher struct {
	resp *keyring.ServerKeyResponse
}

func (s selfFetcher) FetchServerKey(serverName string) (*keyring.ServerKeyResponse, error) {
	return s.resp, nil
}

func newTestVM(t *testing.T) (*VM, *fiber.Scheduler, ed25519.PrivateKey) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	heads := roomhead.New(st)

	own, err := keyring.NewOwnKey("a.test", eventmodel.KeyID("ed25519:1"))
	require.NoError(t, err)
	published, err := own.PublishSelf(time.Now(), 24*time.Hour)
	require.NoError(t, err)
	ring := keyring.New(selfFetcher{resp: published}, time.Hour, time.Hour)

	sched := fiber.New()
	v := New(Config{Sched: sched, Store: st, Heads: heads, Keys: ring, MaxQueue: 16})
	return v, sched, own.Private
}

func strp(s string) *string { return &s }

func buildEvent(t *testing.T, priv ed25519.PrivateKey, sender, roomID, evType string, stateKey *string,
	content map[string]interface{}, prev []string, depth int64) eventmodel.Event {
	t.Helper()
	// simplified auth chain: the worked example's own prior events double as auth refs
	return buildEventWithAuth(t, priv, sender, roomID, evType, stateKey, content, prev, prev, depth)
}

// buildEventWithAuth is buildEvent with auth_events given apart from
// prev_events, for events whose auth check needs the create event and the
// sender's membership referenced directly.
func buildEventWithAuth(t *testing.T, priv ed25519.PrivateKey, sender, roomID, evType string, stateKey *string,
	content map[string]interface{}, prev, auth []string, depth int64) eventmodel.Event {
	t.Helper()
	eb := eventmodel.EventBuilder{
		Sender:     sender,
		RoomID:     roomID,
		Type:       evType,
		StateKey:   stateKey,
		PrevEvents: prev,
		AuthEvents: auth,
		Depth:      depth,
	}
	require.NoError(t, eb.SetContent(content))
	ev, err := eb.Build(time.Now(), "a.test", eventmodel.KeyID("ed25519:1"), priv, eventmodel.RoomVersionV9)
	require.NoError(t, err)
	return ev
}

// runScheduler drives sched.Run in the background until done closes, then
// stops it, matching the reactor tests' own harness idiom.
func runScheduler(t *testing.T, sched *fiber.Scheduler, done <-chan struct{}) {
	t.Helper()
	go sched.Run()
	t.Cleanup(sched.Stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scheduler work to finish")
	}
}

func TestSubmitCreateRoomEventCommits(t *testing.T) {
	v, sched, priv := newTestVM(t)
	sched.Spawn("vm", fiber.Detached, v.Run)

	create := buildEvent(t, priv, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""),
		map[string]interface{}{"creator": "@alice:a.test", "room_version": "9"}, nil, 1)

	done := make(chan struct{})
	var submitErr error
	sched.Spawn("submitter", fiber.Joinable, func(f *fiber.Fiber) error {
		submitErr = v.Submit(f, create.JSON(), eventmodel.RoomVersionV9, "")
		close(done)
		return nil
	})

	runScheduler(t, sched, done)
	require.NoError(t, submitErr)

	has, err := v.store.HasEvent(create.EventID())
	require.NoError(t, err)
	require.True(t, has)

	top, ok := v.heads.Top("!r:a.test")
	require.True(t, ok)
	require.Equal(t, create.EventID(), top.EventID)
}

func TestSubmitDuplicateEventReturnsNilWithoutRecommitting(t *testing.T) {
	v, sched, priv := newTestVM(t)
	sched.Spawn("vm", fiber.Detached, v.Run)

	create := buildEvent(t, priv, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""),
		map[string]interface{}{"creator": "@alice:a.test", "room_version": "9"}, nil, 1)

	done := make(chan struct{})
	var firstErr, secondErr error
	sched.Spawn("submitter", fiber.Joinable, func(f *fiber.Fiber) error {
		firstErr = v.Submit(f, create.JSON(), eventmodel.RoomVersionV9, "")
		secondErr = v.Submit(f, create.JSON(), eventmodel.RoomVersionV9, "")
		close(done)
		return nil
	})

	runScheduler(t, sched, done)
	require.NoError(t, firstErr)
	require.NoError(t, secondErr, "a duplicate submission reports EXISTS internally but is not an error to the caller")
}

func TestSubmitChainBuildsForwardState(t *testing.T) {
	v, sched, priv := newTestVM(t)
	sched.Spawn("vm", fiber.Detached, v.Run)

	create := buildEvent(t, priv, "@alice:a.test", "!r:a.test", eventmodel.MRoomCreate, strp(""),
		map[string]interface{}{"creator": "@alice:a.test", "room_version": "9"}, nil, 1)
	member := buildEvent(t, priv, "@alice:a.test", "!r:a.test", eventmodel.MRoomMember, strp("@alice:a.test"),
		map[string]interface{}{"membership": "join"}, []string{create.EventID()}, 2)
	power := buildEventWithAuth(t, priv, "@alice:a.test", "!r:a.test", eventmodel.MRoomPowerLevels, strp(""),
		map[string]interface{}{"users": map[string]interface{}{"@alice:a.test": 100}},
		[]string{member.EventID()}, []string{create.EventID(), member.EventID()}, 3)

	done := make(chan struct{})
	errs := make([]error, 3)
	sched.Spawn("submitter", fiber.Joinable, func(f *fiber.Fiber) error {
		errs[0] = v.Submit(f, create.JSON(), eventmodel.RoomVersionV9, "")
		errs[1] = v.Submit(f, member.JSON(), eventmodel.RoomVersionV9, "")
		errs[2] = v.Submit(f, power.JSON(), eventmodel.RoomVersionV9, "")
		close(done)
		return nil
	})

	runScheduler(t, sched, done)
	for i, err := range errs {
		require.NoError(t, err, "submission %d", i)
	}

	top, ok := v.heads.Top("!r:a.test")
	require.True(t, ok)
	require.Equal(t, power.EventID(), top.EventID)

	idx, ok, err := v.store.StateEventIdx("!r:a.test", eventmodel.MRoomPowerLevels, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, idx, uint64(0))
}
