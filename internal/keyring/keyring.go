// Package keyring manages this server's own signing key and a TTL cache of
// other servers' verify keys fetched over federation, following the
// embedded demo server's "one ed25519 key, one key ID" identity model
// (contrib/dendrite-demo-embedded/config.go) and go-cache's
// Set(key, val, cache.DefaultExpiration) / Get idiom for the fetched-key
// cache (the same library prysm uses to cache attestations by ID).
package keyring

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/eventmodel"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/ed25519"
)

// OwnKey is this server's own signing identity: one ed25519 keypair under
// one key ID, matching the "ed25519:auto" convention the embedded demo
// server defaults to.
type OwnKey struct {
	ServerName string
	KeyID      eventmodel.KeyID
	Private    ed25519.PrivateKey
	Public     ed25519.PublicKey
}

// NewOwnKey generates a fresh ed25519 keypair under the given key ID.
func NewOwnKey(serverName string, keyID eventmodel.KeyID) (*OwnKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("keyring: generating key: %w", err)
	}
	return &OwnKey{ServerName: serverName, KeyID: keyID, Private: priv, Public: pub}, nil
}

// ServerKeyResponse is the JSON shape of /_matrix/key/v2/server, carrying
// this server's own currently valid and expired verify keys.
type ServerKeyResponse struct {
	ServerName    string                        `json:"server_name"`
	ValidUntilTS  int64                         `json:"valid_until_ts"`
	VerifyKeys    map[string]VerifyKeyEntry     `json:"verify_keys"`
	OldVerifyKeys map[string]OldVerifyKeyEntry  `json:"old_verify_keys,omitempty"`
	Signatures    map[string]map[string]string `json:"signatures"`
}

// VerifyKeyEntry is one currently valid verify key.
type VerifyKeyEntry struct {
	Key string `json:"key"`
}

// OldVerifyKeyEntry is one expired verify key, retained so signatures made
// before expiry can still be checked.
type OldVerifyKeyEntry struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts"`
}

// PublishSelf builds the signed key response this server advertises at
// /_matrix/key/v2/server, valid for validity from now.
func (k *OwnKey) PublishSelf(now time.Time, validity time.Duration) (*ServerKeyResponse, error) {
	resp := ServerKeyResponse{
		ServerName:   k.ServerName,
		ValidUntilTS: now.Add(validity).UnixMilli(),
		VerifyKeys: map[string]VerifyKeyEntry{
			string(k.KeyID): {Key: base64.RawStdEncoding.EncodeToString(k.Public)},
		},
	}
	unsigned, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("keyring: marshalling key response: %w", err)
	}
	signed, err := eventmodel.SignJSON(k.ServerName, k.KeyID, k.Private, unsigned)
	if err != nil {
		return nil, err
	}
	var out ServerKeyResponse
	if err := json.Unmarshal(signed, &out); err != nil {
		return nil, fmt.Errorf("keyring: re-parsing signed key response: %w", err)
	}
	return &out, nil
}

// Ring fetches and caches other servers' verify keys, grounding every
// signature check against either a cached or freshly fetched key.
type Ring struct {
	fetch Fetcher
	cache *gocache.Cache
	mu    sync.Mutex
}

// Fetcher retrieves a destination's current key response, normally by
// issuing a federation request to /_matrix/key/v2/server.
type Fetcher interface {
	FetchServerKey(serverName string) (*ServerKeyResponse, error)
}

// New constructs a Ring whose cache entries expire after ttl, swept every
// cleanupInterval — the same two-argument gocache.New shape used
// throughout the retrieved attestation-pool cache code.
func New(fetch Fetcher, ttl, cleanupInterval time.Duration) *Ring {
	return &Ring{fetch: fetch, cache: gocache.New(ttl, cleanupInterval)}
}

type cachedKey struct {
	public    ed25519.PublicKey
	expiredTS int64 // 0 if still current
}

// VerifyKey returns the public key for serverName/keyID, fetching and
// caching the destination's key response on a miss.
func (r *Ring) VerifyKey(serverName string, keyID eventmodel.KeyID) (ed25519.PublicKey, error) {
	cacheKey := serverName + "/" + string(keyID)
	if v, ok := r.cache.Get(cacheKey); ok {
		return v.(cachedKey).public, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache.Get(cacheKey); ok {
		return v.(cachedKey).public, nil
	}

	resp, err := r.fetch.FetchServerKey(serverName)
	if err != nil {
		return nil, errs.Wrap(errs.FetchFailed, err, "keyring: fetching keys for %s", serverName)
	}
	if resp.ServerName != serverName {
		return nil, errs.New(errs.Invalid, "keyring: key response server_name %q does not match requested %q", resp.ServerName, serverName)
	}

	for id, entry := range resp.VerifyKeys {
		pub, err := decodeKey(entry.Key)
		if err != nil {
			continue
		}
		ttl := time.Until(time.UnixMilli(resp.ValidUntilTS))
		if ttl <= 0 {
			ttl = gocache.DefaultExpiration
		}
		r.cache.Set(serverName+"/"+id, cachedKey{public: pub}, ttl)
	}
	for id, entry := range resp.OldVerifyKeys {
		pub, err := decodeKey(entry.Key)
		if err != nil {
			continue
		}
		r.cache.Set(serverName+"/"+id, cachedKey{public: pub, expiredTS: entry.ExpiredTS}, gocache.NoExpiration)
	}

	v, ok := r.cache.Get(cacheKey)
	if !ok {
		return nil, errs.New(errs.FetchFailed, "keyring: %s did not advertise key %s", serverName, keyID)
	}
	return v.(cachedKey).public, nil
}

// VerifyEventSignature checks eventJSON's signature under keyID for
// serverName, fetching the verify key as needed.
func (r *Ring) VerifyEventSignature(serverName string, keyID eventmodel.KeyID, eventJSON []byte) error {
	pub, err := r.VerifyKey(serverName, keyID)
	if err != nil {
		return err
	}
	if err := eventmodel.VerifyJSON(serverName, keyID, pub, eventJSON); err != nil {
		return errs.Wrap(errs.BadSignature, err, "keyring: signature check failed for %s", serverName)
	}
	return nil
}

func decodeKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}
