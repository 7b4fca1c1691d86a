package fedclient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/construct-go/homeserver/internal/canonicaljson"
	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/fiber"
)

// Transaction is the PDU-send body: ≤50 pdus and ≤100 edus per send, per
// the transaction format.
type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []EDU             `json:"edus,omitempty"`
}

const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
)

// Version queries /_matrix/federation/v1/version.
func (c *Client) Version(f *fiber.Fiber, destination string) (string, error) {
	resp, err := c.do(f, destination, "GET", "/_matrix/federation/v1/version", nil, nil)
	if err != nil {
		return "", err
	}
	var body struct {
		Server struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"server"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return "", err
	}
	return body.Server.Version, nil
}

// KeyServer queries /_matrix/key/v2/server[/key_id].
func (c *Client) KeyServer(f *fiber.Fiber, destination, keyID string) (json.RawMessage, error) {
	path := "/_matrix/key/v2/server"
	if keyID != "" {
		path += "/" + encodePathSegment(keyID)
	}
	resp, err := c.do(f, destination, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, errs.New(errs.FetchFailed, "fedclient: key/server HTTP %d", resp.Status)
	}
	return resp.Body, nil
}

// KeyQuery queries /_matrix/key/v2/query in bulk.
func (c *Client) KeyQuery(f *fiber.Fiber, destination string, request map[string]map[string]int64) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]interface{}{"server_keys": request})
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "fedclient: marshalling key/query body")
	}
	resp, err := c.do(f, destination, "POST", "/_matrix/key/v2/query", nil, body)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, errs.New(errs.FetchFailed, "fedclient: key/query HTTP %d", resp.Status)
	}
	return resp.Body, nil
}

// Event fetches a single event by ID.
func (c *Client) Event(f *fiber.Fiber, destination, eventID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/event/%s", encodePathSegment(eventID))
	resp, err := c.do(f, destination, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// EventAuth fetches the auth chain dendrite's event_auth endpoint returns
// for roomID/eventID.
func (c *Client) EventAuth(f *fiber.Fiber, destination, roomID, eventID string) ([]json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/event_auth/%s/%s", encodePathSegment(roomID), encodePathSegment(eventID))
	resp, err := c.do(f, destination, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		AuthChain []json.RawMessage `json:"auth_chain"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.AuthChain, nil
}

// State fetches the full state (and auth chain) at eventID in roomID.
func (c *Client) State(f *fiber.Fiber, destination, roomID, eventID string) (pdus, authChain []json.RawMessage, err error) {
	return c.state(f, destination, roomID, eventID, "state")
}

// StateIDs fetches only the event IDs of the state (and auth chain) at
// eventID in roomID.
func (c *Client) StateIDs(f *fiber.Fiber, destination, roomID, eventID string) (stateIDs, authChainIDs []string, err error) {
	path := fmt.Sprintf("/_matrix/federation/v1/state_ids/%s", encodePathSegment(roomID))
	resp, opErr := c.do(f, destination, "GET", path, map[string]string{"event_id": eventID}, nil)
	if opErr != nil {
		return nil, nil, opErr
	}
	var body struct {
		PDUIDs       []string `json:"pdu_ids"`
		AuthChainIDs []string `json:"auth_chain_ids"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, nil, err
	}
	return body.PDUIDs, body.AuthChainIDs, nil
}

func (c *Client) state(f *fiber.Fiber, destination, roomID, eventID, variant string) ([]json.RawMessage, []json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/%s/%s", variant, encodePathSegment(roomID))
	resp, err := c.do(f, destination, "GET", path, map[string]string{"event_id": eventID}, nil)
	if err != nil {
		return nil, nil, err
	}
	var body struct {
		PDUs      []json.RawMessage `json:"pdus"`
		AuthChain []json.RawMessage `json:"auth_chain"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, nil, err
	}
	return body.PDUs, body.AuthChain, nil
}

// Backfill requests up to limit events preceding fromEventIDs[0] in roomID;
// only that first ID is sent, as the v parameter, and the rest are ignored.
func (c *Client) Backfill(f *fiber.Fiber, destination, roomID string, fromEventIDs []string, limit int) (*Transaction, error) {
	query := map[string]string{"limit": fmt.Sprintf("%d", limit)}
	for i, id := range fromEventIDs {
		if i == 0 {
			query["v"] = id
		}
	}
	path := fmt.Sprintf("/_matrix/federation/v1/backfill/%s", encodePathSegment(roomID))
	resp, err := c.do(f, destination, "GET", path, query, nil)
	if err != nil {
		return nil, err
	}
	var txn Transaction
	if err := decodeJSON(resp, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetMissingEvents asks destination for events between earliestEvents and
// latestEvents in roomID, up to limit.
func (c *Client) GetMissingEvents(f *fiber.Fiber, destination, roomID string, earliestEvents, latestEvents []string, limit int) ([]json.RawMessage, error) {
	body, err := json.Marshal(map[string]interface{}{
		"earliest_events": earliestEvents,
		"latest_events":   latestEvents,
		"limit":           limit,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "fedclient: marshalling get_missing_events body")
	}
	path := fmt.Sprintf("/_matrix/federation/v1/get_missing_events/%s", encodePathSegment(roomID))
	resp, err := c.do(f, destination, "POST", path, nil, body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// MakeJoin requests a join event template for userID in roomID. Only the
// first of roomVersions is sent, as the ver parameter; the rest are ignored.
func (c *Client) MakeJoin(f *fiber.Fiber, destination, roomID, userID string, roomVersions []string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/make_join/%s/%s", encodePathSegment(roomID), encodePathSegment(userID))
	query := map[string]string{}
	for i, v := range roomVersions {
		if i == 0 {
			query["ver"] = v
		}
	}
	resp, err := c.do(f, destination, "GET", path, query, nil)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// SendJoin submits a signed join event to destination via the v2
// send_join endpoint.
func (c *Client) SendJoin(f *fiber.Fiber, destination, roomID, eventID string, signedEvent json.RawMessage) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v2/send_join/%s/%s", encodePathSegment(roomID), encodePathSegment(eventID))
	resp, err := c.do(f, destination, "PUT", path, nil, signedEvent)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Invite delivers a signed invite event via the v2 endpoint, grounded on
// invitev2.go's request shape (the stripped-state "invite_room_state"
// plus the event itself).
func (c *Client) Invite(f *fiber.Fiber, destination, roomID, eventID string, signedEvent json.RawMessage, roomVersion string, inviteRoomState []json.RawMessage) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v2/invite/%s/%s", encodePathSegment(roomID), encodePathSegment(eventID))
	body, err := json.Marshal(map[string]interface{}{
		"event":             signedEvent,
		"room_version":      roomVersion,
		"invite_room_state": inviteRoomState,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "fedclient: marshalling invite body")
	}
	resp, err := c.do(f, destination, "PUT", path, nil, body)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// SendTransaction sends up to maxPDUsPerTransaction pdus and
// maxEDUsPerTransaction edus to destination as one transaction, returning
// the derived transaction id.
func (c *Client) SendTransaction(f *fiber.Fiber, destination string, pdus []json.RawMessage, edus []EDU) (string, error) {
	if len(pdus) > maxPDUsPerTransaction {
		return "", errs.New(errs.Invalid, "fedclient: transaction carries %d pdus, limit is %d", len(pdus), maxPDUsPerTransaction)
	}
	if len(edus) > maxEDUsPerTransaction {
		return "", errs.New(errs.Invalid, "fedclient: transaction carries %d edus, limit is %d", len(edus), maxEDUsPerTransaction)
	}

	txn := Transaction{Origin: c.Origin, OriginServerTS: time.Now().UnixMilli(), PDUs: pdus, EDUs: edus}
	raw, err := json.Marshal(txn)
	if err != nil {
		return "", errs.Wrap(errs.Invalid, err, "fedclient: marshalling transaction")
	}
	canonical, err := canonicaljson.Marshal(raw)
	if err != nil {
		return "", errs.Wrap(errs.Invalid, err, "fedclient: canonicalising transaction")
	}
	txnID := transactionID(canonical)

	path := fmt.Sprintf("/_matrix/federation/v1/send/%s", encodePathSegment(txnID))
	resp, err := c.do(f, destination, "PUT", path, nil, raw)
	if err != nil {
		return "", err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return "", err
	}
	return txnID, nil
}

// QueryDirectory issues a query/{kind} request, the generic federation
// query endpoint used for e.g. room-alias directory lookups.
func (c *Client) QueryDirectory(f *fiber.Fiber, destination, kind string, params map[string]string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/query/%s", encodePathSegment(kind))
	resp, err := c.do(f, destination, "GET", path, params, nil)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// UserDevices fetches a remote user's device list.
func (c *Client) UserDevices(f *fiber.Fiber, destination, userID string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/user/devices/%s", encodePathSegment(userID))
	resp, err := c.do(f, destination, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// UserKeysQuery bulk-queries remote users' device keys.
func (c *Client) UserKeysQuery(f *fiber.Fiber, destination string, deviceKeys map[string][]string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]interface{}{"device_keys": deviceKeys})
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "fedclient: marshalling user/keys/query body")
	}
	resp, err := c.do(f, destination, "POST", "/_matrix/federation/v1/user/keys/query", nil, body)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// UserKeysClaim bulk-claims one-time keys from a remote user.
func (c *Client) UserKeysClaim(f *fiber.Fiber, destination string, oneTimeKeys map[string]map[string]string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]interface{}{"one_time_keys": oneTimeKeys})
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "fedclient: marshalling user/keys/claim body")
	}
	resp, err := c.do(f, destination, "POST", "/_matrix/federation/v1/user/keys/claim", nil, body)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return nil, err
	}
	return resp.Body, nil
}
