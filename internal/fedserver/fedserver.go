// Package fedserver implements the inbound half of the federation wire
// protocol: accepting connections through the reactor, parsing requests
// with internal/httpframe (the same grammar internal/fedclient uses on the
// outbound side), and routing the small set of endpoints the event
// pipeline needs onto internal/vm, internal/keyring, and internal/store.
// Every endpoint except key publication itself requires a verified
// X-Matrix Authorization header before its handler runs.
package fedserver

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/construct-go/homeserver/internal/fedclient"
	"github.com/construct-go/homeserver/internal/fiber"
	"github.com/construct-go/homeserver/internal/httpframe"
	"github.com/construct-go/homeserver/internal/keyring"
	"github.com/construct-go/homeserver/internal/logctx"
	"github.com/construct-go/homeserver/internal/reactor"
	"github.com/construct-go/homeserver/internal/store"
	"github.com/construct-go/homeserver/internal/vm"
)

// conn adapts a net.Conn into reads/writes that suspend the owning fiber
// through the reactor, mirroring fedclient's fiberConn on the server side
// of the same connection.
type conn struct {
	raw      net.Conn
	reactor  *reactor.Reactor
	fiber    *fiber.Fiber
	deadline time.Time
}

func (c *conn) Read(p []byte) (int, error)  { return c.reactor.Read(c.fiber, c.raw, p, c.deadline) }
func (c *conn) Write(p []byte) (int, error) { return c.reactor.Write(c.fiber, c.raw, p, c.deadline) }

// Server owns the accept loop and dispatches parsed requests to the
// pipeline. One Server handles exactly one listening socket.
type Server struct {
	React       *reactor.Reactor
	Sched       *fiber.Scheduler
	VM          *vm.VM
	Store       *store.Store
	Keys        *keyring.Ring
	OwnKey      *keyring.OwnKey
	RoomVersion eventmodel.RoomVersion

	requestTimeout time.Duration
}

// New constructs a Server ready to have Serve spawned against a listener.
func New(react *reactor.Reactor, sched *fiber.Scheduler, v *vm.VM, st *store.Store, keys *keyring.Ring, own *keyring.OwnKey) *Server {
	return &Server{
		React:          react,
		Sched:          sched,
		VM:             v,
		Store:          st,
		Keys:           keys,
		OwnKey:         own,
		RoomVersion:    eventmodel.RoomVersionV9,
		requestTimeout: 30 * time.Second,
	}
}

// Serve accepts connections on ln until the fiber it runs on is
// interrupted or terminated, spawning one detached fiber per connection.
func (s *Server) Serve(f *fiber.Fiber, ln net.Listener) error {
	for {
		nc, err := s.React.Accept(f, ln, time.Time{})
		if err != nil {
			return err
		}
		s.Sched.Spawn("fedserver-conn", fiber.Detached, func(cf *fiber.Fiber) error {
			return s.handleConn(cf, nc)
		})
	}
}

// handleConn answers exactly one request per connection: federation peers
// open a fresh connection per transaction in practice, and a one-shot
// request/response keeps this server's framing unambiguous (the response
// always advertises Connection: close).
func (s *Server) handleConn(f *fiber.Fiber, nc net.Conn) error {
	defer nc.Close()
	c := &conn{raw: nc, reactor: s.React, fiber: f, deadline: time.Now().Add(s.requestTimeout)}
	br := bufio.NewReader(c)

	reqLine, err := httpframe.ReadRequestLine(br)
	if err != nil {
		return nil
	}
	headers, err := httpframe.ReadHeaders(br)
	if err != nil {
		return nil
	}
	bodyReader, err := httpframe.BodyReader(br, headers)
	if err != nil {
		return nil
	}
	body, err := readAll(bodyReader)
	if err != nil {
		return nil
	}

	status, respBody := s.route(f, reqLine, headers, body)
	return writeResponse(c, status, respBody)
}

// readAll drains r to completion. BodyReader's io.LimitReader (the
// Content-Length case) and chunkedReader (the chunked case) both signal
// io.EOF exactly when the body is fully consumed, so a plain ReadAll-style
// loop is all that's needed here.
func readAll(r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
	}
}

func writeResponse(c *conn, status int, body []byte) error {
	reason := "OK"
	if status >= 400 {
		reason = "Error"
	}
	header := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, reason, len(body))
	if _, err := c.Write([]byte(header)); err != nil {
		return err
	}
	_, err := c.Write(body)
	return err
}

// route dispatches the small set of endpoints this server answers:
// server-key publication, PDU transaction submission, and single-event
// retrieval, plus the make_join half of the join handshake. Everything
// else in the real federation surface (send_join, invites, typing/
// presence EDUs) is reachable through internal/fedclient as an outbound
// caller but is not re-exposed here; that full routing table is
// explicitly out of scope (see DESIGN.md). Per the real Matrix spec,
// /key/v2/server itself is the one endpoint answered without an X-Matrix
// Authorization header (a peer must be able to fetch keys before it has
// anything to verify one against); every other endpoint here requires it.
func (s *Server) route(f *fiber.Fiber, req httpframe.RequestLine, headers *httpframe.Header, body []byte) (int, []byte) {
	if req.Method == "GET" && req.Path == "/_matrix/key/v2/server" {
		return s.handleServerKey()
	}

	origin, err := s.authenticate(req, headers, body)
	if err != nil {
		logctx.Root.WithError(err).Warn("fedserver: rejecting unauthenticated request")
		return 401, mustJSON(map[string]string{"errcode": "M_UNAUTHORIZED", "error": err.Error()})
	}

	switch {
	case req.Method == "PUT" && strings.HasPrefix(req.Path, "/_matrix/federation/v1/send/"):
		return s.handleSendTransaction(f, origin, body)
	case req.Method == "GET" && strings.HasPrefix(req.Path, "/_matrix/federation/v1/event/"):
		return s.handleGetEvent(req)
	case req.Method == "GET" && strings.HasPrefix(req.Path, "/_matrix/federation/v1/make_join/"):
		return s.handleMakeJoin(req)
	default:
		return 404, mustJSON(map[string]string{"errcode": "M_NOT_FOUND", "error": "unrecognized endpoint"})
	}
}

// authenticate verifies the request's Authorization: X-Matrix header
// against its actual method/URI/body, returning the claimed origin server
// name once verified.
func (s *Server) authenticate(req httpframe.RequestLine, headers *httpframe.Header, body []byte) (string, error) {
	authz := headers.Get("Authorization")
	if authz == "" {
		return "", errs.New(errs.BadSignature, "fedserver: missing Authorization header")
	}
	origin, keyID, sig, err := parseXMatrix(authz)
	if err != nil {
		return "", err
	}
	if s.Keys == nil {
		return "", errs.New(errs.BadSignature, "fedserver: no keyring configured to verify requests")
	}
	pub, err := s.Keys.VerifyKey(origin, eventmodel.KeyID(keyID))
	if err != nil {
		return "", errs.Wrap(errs.BadSignature, err, "fedserver: fetching verify key for %s", origin)
	}
	uri := req.Path
	if req.Query != "" {
		uri += "?" + req.Query
	}
	if err := fedclient.VerifyRequest(pub, origin, s.OwnKey.ServerName, req.Method, uri, body, sig); err != nil {
		return "", errs.Wrap(errs.BadSignature, err, "fedserver: request signature check failed")
	}
	return origin, nil
}

// parseXMatrix extracts origin/key/sig from an "X-Matrix
// origin=...,key="...",sig="..."" Authorization header value, the inverse
// of fedclient.SignRequest's formatting.
func parseXMatrix(header string) (origin, keyID string, sig []byte, err error) {
	const prefix = "X-Matrix "
	if !strings.HasPrefix(header, prefix) {
		return "", "", nil, errs.New(errs.BadSignature, "fedserver: Authorization header is not X-Matrix")
	}
	fields := map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(header, prefix), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = strings.Trim(kv[1], `"`)
	}
	origin, keyID, sigStr := fields["origin"], fields["key"], fields["sig"]
	if origin == "" || keyID == "" || sigStr == "" {
		return "", "", nil, errs.New(errs.BadSignature, "fedserver: X-Matrix header missing origin/key/sig")
	}
	sig, err = base64.RawStdEncoding.DecodeString(sigStr)
	if err != nil {
		return "", "", nil, errs.Wrap(errs.BadSignature, err, "fedserver: decoding X-Matrix sig")
	}
	return origin, keyID, sig, nil
}

func (s *Server) handleServerKey() (int, []byte) {
	resp, err := s.OwnKey.PublishSelf(time.Now(), 24*time.Hour)
	if err != nil {
		logctx.Root.WithError(err).Warn("fedserver: publishing own key failed")
		return 500, mustJSON(map[string]string{"errcode": "M_UNKNOWN", "error": "key publication failed"})
	}
	return 200, mustJSON(resp)
}

// sendTransaction is the wire shape of a PUT .../send/{txnId} body.
type sendTransaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

// handleSendTransaction submits every PDU in the transaction to the event
// pipeline and reports each one's outcome individually, matching the real
// Matrix spec's and construct's fed.cc per-PDU result shape rather than
// failing or succeeding the whole transaction atomically.
func (s *Server) handleSendTransaction(f *fiber.Fiber, origin string, body []byte) (int, []byte) {
	var txn sendTransaction
	if err := json.Unmarshal(body, &txn); err != nil {
		return 400, mustJSON(map[string]string{"errcode": "M_NOT_JSON", "error": "malformed transaction body"})
	}
	if txn.Origin != "" && txn.Origin != origin {
		return 400, mustJSON(map[string]string{"errcode": "M_UNAUTHORIZED", "error": "transaction origin does not match the authenticated requester"})
	}

	// Submit blocks the calling fiber until the pipeline reaches a
	// terminal outcome for that one event; transactions are processed
	// PDU-by-PDU rather than handed to the VM as a batch, since each
	// needs its own independent commit/soft-fail/reject result.
	pduResults := make(map[string]map[string]string, len(txn.PDUs))
	for _, pdu := range txn.PDUs {
		eventID := eventIDOf(pdu, s.RoomVersion)
		result := map[string]string{}
		if err := s.VM.Submit(f, pdu, s.RoomVersion, origin); err != nil {
			result["error"] = err.Error()
		}
		pduResults[eventID] = result
	}

	return 200, mustJSON(map[string]interface{}{"pdus": pduResults})
}

func (s *Server) handleGetEvent(req httpframe.RequestLine) (int, []byte) {
	eventID := strings.TrimPrefix(req.Path, "/_matrix/federation/v1/event/")
	eventJSON, ok, err := s.Store.EventJSONByID(eventID)
	if err != nil {
		return 500, mustJSON(map[string]string{"errcode": "M_UNKNOWN", "error": "store read failed"})
	}
	if !ok {
		return 404, mustJSON(map[string]string{"errcode": "M_NOT_FOUND", "error": "event not found"})
	}
	return 200, mustJSON(map[string]interface{}{
		"origin":           s.OwnKey.ServerName,
		"origin_server_ts": time.Now().UnixMilli(),
		"pdus":             []json.RawMessage{eventJSON},
	})
}

// handleMakeJoin answers the first half of the join handshake: it hands
// the requesting server an unsigned join-event template built against this
// room's current state, which that server signs as the joining user's own
// homeserver and returns via send_join.
func (s *Server) handleMakeJoin(req httpframe.RequestLine) (int, []byte) {
	rest := strings.TrimPrefix(req.Path, "/_matrix/federation/v1/make_join/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return 400, mustJSON(map[string]string{"errcode": "M_MISSING_PARAM", "error": "make_join requires both a room id and a user id"})
	}
	roomID, err := url.PathUnescape(parts[0])
	if err != nil {
		return 400, mustJSON(map[string]string{"errcode": "M_INVALID_PARAM", "error": "malformed room id"})
	}
	userID, err := url.PathUnescape(parts[1])
	if err != nil {
		return 400, mustJSON(map[string]string{"errcode": "M_INVALID_PARAM", "error": "malformed user id"})
	}

	proto, roomVersion, err := s.VM.ProposeJoinEvent(roomID, userID)
	if err != nil {
		logctx.Root.WithError(err).Warn("fedserver: make_join failed")
		return 404, mustJSON(map[string]string{"errcode": "M_NOT_FOUND", "error": err.Error()})
	}
	return 200, mustJSON(map[string]interface{}{
		"room_version": string(roomVersion),
		"event":        json.RawMessage(proto),
	})
}

// eventIDOf keys a transaction's per-PDU result map. Room versions from 3
// onward compute event_id from the reference hash rather than carrying it
// on the wire (eventmodel.EventIDFormatV2 for version 3,
// eventmodel.EventIDFormatV3 from version 4), so the wire JSON's own
// "event_id" field, when present, is only ever trustworthy for the
// room versions that still set it; everything else is parsed the same way
// the pipeline itself will parse it a moment later in Submit; the two
// parses agree because both run NewEventFromUntrustedJSON over the same
// bytes and room version. A PDU that fails to parse here will fail the
// same way inside Submit, so the synthetic fallback only needs to be
// unique within this one transaction's result map, not globally stable.
func eventIDOf(pdu json.RawMessage, roomVersion eventmodel.RoomVersion) string {
	if ev, err := eventmodel.NewEventFromUntrustedJSON(pdu, roomVersion); err == nil {
		return ev.EventID()
	}
	var partial struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(pdu, &partial); err == nil && partial.EventID != "" {
		return partial.EventID
	}
	return "unparsed-" + strconv.Itoa(len(pdu))
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"errcode":"M_UNKNOWN","error":"response encoding failed"}`)
	}
	return b
}
