// Package fedclient builds signed server-to-server HTTP requests and
// drives them over the fiber runtime: Client.dial performs server-name
// resolution ahead of the TLS dial, and request signing
// reuses the same sign/verify idiom events use, applied here to the
// request-signing object instead of an event.
package fedclient

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/construct-go/homeserver/internal/canonicaljson"
	"golang.org/x/crypto/ed25519"
)

// signingObject is the canonicalised JSON signed to produce an X-Matrix
// Authorization header: {method, uri, origin, destination, content?}.
type signingObject struct {
	Method      string          `json:"method"`
	URI         string          `json:"uri"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// SignRequest produces the value of an Authorization: X-Matrix header for
// a request from origin to destination, signed under keyID with priv.
func SignRequest(origin, destination, keyID string, priv ed25519.PrivateKey, method, uri string, body []byte) (string, error) {
	obj := signingObject{Method: method, URI: uri, Origin: origin, Destination: destination}
	if len(body) > 0 {
		obj.Content = body
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("fedclient: marshalling signing object: %w", err)
	}
	canonical, err := canonicaljson.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("fedclient: canonicalising signing object: %w", err)
	}
	sig := ed25519.Sign(priv, canonical)
	encoded := base64.RawStdEncoding.EncodeToString(sig)
	return fmt.Sprintf("X-Matrix origin=%s,key=%q,sig=%q", origin, keyID, encoded), nil
}

// VerifyRequest checks an inbound X-Matrix Authorization header against
// the method/uri/destination/body the request actually carries, using
// pub as the claimed origin's verify key.
func VerifyRequest(pub ed25519.PublicKey, origin, destination, method, uri string, body []byte, sig []byte) error {
	obj := signingObject{Method: method, URI: uri, Origin: origin, Destination: destination}
	if len(body) > 0 {
		obj.Content = body
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("fedclient: marshalling signing object: %w", err)
	}
	canonical, err := canonicaljson.Marshal(raw)
	if err != nil {
		return fmt.Errorf("fedclient: canonicalising signing object: %w", err)
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return fmt.Errorf("fedclient: signature verification failed for origin %s", origin)
	}
	return nil
}

// sortedQuery renders query parameters in a stable order so the uri used
// for signing exactly matches the uri the request line carries.
func sortedQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "&"
		}
		out += k + "=" + params[k]
	}
	return out
}
