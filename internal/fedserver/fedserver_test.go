package fedserver

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/construct-go/homeserver/internal/fedclient"
	"github.com/construct-go/homeserver/internal/fiber"
	"github.com/construct-go/homeserver/internal/httpframe"
	"github.com/construct-go/homeserver/internal/keyring"
	"github.com/construct-go/homeserver/internal/roomhead"
	"github.com/construct-go/homeserver/internal/store"
	"github.com/construct-go/homeserver/internal/vm"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

// fixedFetcher answers keyring.Fetcher for a single known remote server,
// standing in for an actual /key/v2/server round trip.
type fixedFetcher struct {
	serverName string
	resp       *keyring.ServerKeyResponse
}

func (f fixedFetcher) FetchServerKey(serverName string) (*keyring.ServerKeyResponse, error) {
	if serverName == f.serverName {
		return f.resp, nil
	}
	return nil, errNotFound
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "fedserver test: no such server" }

var errNotFound = notFoundErr{}

// testServer bundles a Server with the remote peer's own signing key, so
// tests can sign requests exactly as that peer would.
type testServer struct {
	srv        *Server
	sched      *fiber.Scheduler
	remoteName string
	remoteKey  ed25519.PrivateKey
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	heads := roomhead.New(st)

	own, err := keyring.NewOwnKey("home.test", eventmodel.KeyID("ed25519:1"))
	require.NoError(t, err)

	remote, err := keyring.NewOwnKey("remote.test", eventmodel.KeyID("ed25519:1"))
	require.NoError(t, err)
	remotePublished, err := remote.PublishSelf(time.Now(), 24*time.Hour)
	require.NoError(t, err)
	ring := keyring.New(fixedFetcher{serverName: "remote.test", resp: remotePublished}, time.Hour, time.Hour)

	sched := fiber.New()
	v := vm.New(vm.Config{Sched: sched, Store: st, Heads: heads, Keys: ring, MaxQueue: 16})
	sched.Spawn("vm", fiber.Detached, v.Run)

	srv := New(nil, sched, v, st, ring, own)
	return &testServer{srv: srv, sched: sched, remoteName: "remote.test", remoteKey: remote.Private}
}

// signedRequest builds the RequestLine/Header pair a real remote.test
// would send for method/uri/body, with a valid X-Matrix Authorization
// header over those exact bytes.
func (ts *testServer) signedRequest(t *testing.T, method, uri string, body []byte) (httpframe.RequestLine, *httpframe.Header) {
	t.Helper()
	authz, err := fedclient.SignRequest(ts.remoteName, "home.test", "ed25519:1", ts.remoteKey, method, uri, body)
	require.NoError(t, err)
	path, query, _ := splitForTest(uri)
	req := httpframe.RequestLine{Method: method, Path: path, Query: query, Version: "HTTP/1.1"}
	h := &httpframe.Header{}
	h.Add("Authorization", authz)
	return req, h
}

func splitForTest(uri string) (path, query, fragment string) {
	for i, c := range uri {
		if c == '?' {
			return uri[:i], uri[i+1:], ""
		}
	}
	return uri, "", ""
}

func runOnJoinable(t *testing.T, sched *fiber.Scheduler, body func(f *fiber.Fiber)) {
	t.Helper()
	done := make(chan struct{})
	sched.Spawn("caller", fiber.Joinable, func(f *fiber.Fiber) error {
		body(f)
		close(done)
		return nil
	})
	go sched.Run()
	t.Cleanup(sched.Stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request handling to finish")
	}
}

func buildSignedEvent(t *testing.T, priv ed25519.PrivateKey, origin, sender, roomID, evType string, stateKey *string,
	content map[string]interface{}, prev []string, depth int64) eventmodel.Event {
	t.Helper()
	eb := eventmodel.EventBuilder{
		Sender:     sender,
		RoomID:     roomID,
		Type:       evType,
		StateKey:   stateKey,
		PrevEvents: prev,
		AuthEvents: prev,
		Depth:      depth,
	}
	require.NoError(t, eb.SetContent(content))
	ev, err := eb.Build(time.Now(), eventmodel.ServerName(origin), eventmodel.KeyID("ed25519:1"), priv, eventmodel.RoomVersionV9)
	require.NoError(t, err)
	return ev
}

func TestHandleSendTransactionReportsPerPDUResults(t *testing.T) {
	ts := newTestServer(t)

	create := buildSignedEvent(t, ts.remoteKey, ts.remoteName, "@alice:remote.test", "!r:remote.test",
		eventmodel.MRoomCreate, strp(""), map[string]interface{}{"creator": "@alice:remote.test", "room_version": "9"}, nil, 1)
	// A malformed PDU (truncated JSON) must fail independently without
	// affecting the well-formed one's own result entry.
	bad := json.RawMessage(`{"not":"an event"`)

	txn := sendTransaction{
		Origin: ts.remoteName,
		PDUs:   []json.RawMessage{create.JSON(), bad},
	}
	body, err := json.Marshal(txn)
	require.NoError(t, err)

	uri := "/_matrix/federation/v1/send/txn1"
	req, headers := ts.signedRequest(t, "PUT", uri, body)

	var status int
	var respBody []byte
	runOnJoinable(t, ts.sched, func(f *fiber.Fiber) {
		status, respBody = ts.srv.route(f, req, headers, body)
	})

	require.Equal(t, 200, status)
	var parsed struct {
		PDUs map[string]map[string]string `json:"pdus"`
	}
	require.NoError(t, json.Unmarshal(respBody, &parsed))
	require.Len(t, parsed.PDUs, 2, "each PDU must key its own result, not collide with the other")

	createResult, ok := parsed.PDUs[create.EventID()]
	require.True(t, ok, "the well-formed PDU must be keyed by its real computed event id")
	require.Empty(t, createResult["error"])

	foundBadResult := false
	for key, result := range parsed.PDUs {
		if key == create.EventID() {
			continue
		}
		foundBadResult = true
		require.NotEmpty(t, result["error"])
	}
	require.True(t, foundBadResult, "the malformed PDU must still produce its own result entry")
}

func TestHandleSendTransactionRejectsOriginMismatch(t *testing.T) {
	ts := newTestServer(t)

	txn := sendTransaction{Origin: "someone-else.test", PDUs: nil}
	body, err := json.Marshal(txn)
	require.NoError(t, err)

	uri := "/_matrix/federation/v1/send/txn1"
	req, headers := ts.signedRequest(t, "PUT", uri, body)

	var status int
	runOnJoinable(t, ts.sched, func(f *fiber.Fiber) {
		status, _ = ts.srv.route(f, req, headers, body)
	})
	require.Equal(t, 400, status)
}

func TestRouteRejectsUnauthenticatedRequest(t *testing.T) {
	ts := newTestServer(t)

	req := httpframe.RequestLine{Method: "PUT", Path: "/_matrix/federation/v1/send/txn1", Version: "HTTP/1.1"}
	headers := &httpframe.Header{}

	var status int
	runOnJoinable(t, ts.sched, func(f *fiber.Fiber) {
		status, _ = ts.srv.route(f, req, headers, nil)
	})
	require.Equal(t, 401, status)
}

func TestRouteServerKeyEndpointSkipsAuthentication(t *testing.T) {
	ts := newTestServer(t)

	req := httpframe.RequestLine{Method: "GET", Path: "/_matrix/key/v2/server", Version: "HTTP/1.1"}
	headers := &httpframe.Header{}

	var status int
	var body []byte
	runOnJoinable(t, ts.sched, func(f *fiber.Fiber) {
		status, body = ts.srv.route(f, req, headers, nil)
	})
	require.Equal(t, 200, status)
	require.Contains(t, string(body), "home.test")
}

func TestHandleMakeJoinRoutesThroughVM(t *testing.T) {
	ts := newTestServer(t)

	create := buildSignedEvent(t, ts.remoteKey, ts.remoteName, "@alice:remote.test", "!r:remote.test",
		eventmodel.MRoomCreate, strp(""), map[string]interface{}{"creator": "@alice:remote.test", "room_version": "9"}, nil, 1)

	// A room's only state so far is its own creation; that alone is
	// enough for ProposeJoinEvent to build a template against, since
	// m.room.create is the one auth event every join must reference
	// regardless of what else the room has accumulated.
	txn := sendTransaction{Origin: ts.remoteName, PDUs: []json.RawMessage{create.JSON()}}
	body, err := json.Marshal(txn)
	require.NoError(t, err)
	uri := "/_matrix/federation/v1/send/txn1"
	req, headers := ts.signedRequest(t, "PUT", uri, body)
	runOnJoinable(t, ts.sched, func(f *fiber.Fiber) {
		ts.srv.route(f, req, headers, body)
	})

	joinURI := "/_matrix/federation/v1/make_join/!r:remote.test/@bob:b.test"
	joinReq, joinHeaders := ts.signedRequest(t, "GET", joinURI, nil)
	var status int
	var respBody []byte
	runOnJoinable(t, ts.sched, func(f *fiber.Fiber) {
		status, respBody = ts.srv.route(f, joinReq, joinHeaders, nil)
	})
	require.Equal(t, 200, status)

	var parsed struct {
		RoomVersion string          `json:"room_version"`
		Event       json.RawMessage `json:"event"`
	}
	require.NoError(t, json.Unmarshal(respBody, &parsed))
	require.Equal(t, "9", parsed.RoomVersion)

	var ev struct {
		Sender string `json:"sender"`
		Type   string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(parsed.Event, &ev))
	require.Equal(t, "@bob:b.test", ev.Sender)
	require.Equal(t, eventmodel.MRoomMember, ev.Type)
}

func strp(s string) *string { return &s }
