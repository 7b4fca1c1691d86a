package eventmodel

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/construct-go/homeserver/internal/canonicaljson"
	"golang.org/x/crypto/ed25519"
)

// eventMap is the generic decoding shape the hash and signing helpers
// below share: until a specific field's bytes are actually needed, an
// event is just a bag of top-level keys, and round-tripping through
// map[string]RawJSON rather than a fixed struct keeps every field the
// caller isn't touching byte-for-byte intact across a decode/mutate/
// re-encode cycle.
type eventMap map[string]RawJSON

func decodeEventMap(eventJSON []byte) (eventMap, error) {
	var m eventMap
	if err := json.Unmarshal(eventJSON, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// canonicalSHA256 hashes a copy of m with the named keys dropped, the one
// step every hash below needs: content hashing drops unsigned/hashes (and
// signatures when checking), reference hashing drops signatures/unsigned
// but keeps hashes. Hashing a copy rather
// than mutating m lets callers still use m afterward.
func canonicalSHA256(m eventMap, drop ...string) ([sha256.Size]byte, error) {
	hashable := make(eventMap, len(m))
	for k, v := range m {
		hashable[k] = v
	}
	for _, k := range drop {
		delete(hashable, k)
	}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	canon, err := canonicaljson.Marshal(raw)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

// addContentHashes stamps event JSON's "hashes.sha256" with the digest of
// its own content, computed over everything except "unsigned" and any
// value "hashes" already carried, then restores "unsigned" (if the event
// had one) alongside the freshly computed hash.
func addContentHashes(eventJSON []byte) ([]byte, error) {
	m, err := decodeEventMap(eventJSON)
	if err != nil {
		return nil, err
	}
	unsigned := m["unsigned"]

	sum, err := canonicalSHA256(m, "unsigned", "hashes")
	if err != nil {
		return nil, err
	}
	hashesJSON, err := json.Marshal(struct {
		SHA256 Base64String `json:"sha256"`
	}{Base64String(sum[:])})
	if err != nil {
		return nil, err
	}

	if len(unsigned) > 0 {
		m["unsigned"] = unsigned
	}
	m["hashes"] = RawJSON(hashesJSON)
	return json.Marshal(m)
}

// checkContentHash recomputes the digest addContentHashes would have
// stamped and compares it against the "hashes.sha256" value the event
// actually carries, additionally excluding "signatures" from the
// recomputation since signing happens after hashing.
func checkContentHash(eventJSON []byte) error {
	m, err := decodeEventMap(eventJSON)
	if err != nil {
		return err
	}
	var claimed struct {
		SHA256 Base64String `json:"sha256"`
	}
	if err := json.Unmarshal(m["hashes"], &claimed); err != nil {
		return err
	}

	sum, err := canonicalSHA256(m, "signatures", "unsigned", "hashes")
	if err != nil {
		return err
	}
	if string(sum[:]) != string(claimed.SHA256) {
		return fmt.Errorf("eventmodel: content hash mismatch: computed %x, claimed %x", sum[:], []byte(claimed.SHA256))
	}
	return nil
}

// referenceOfEvent computes the reference other events use to name this
// one: the event_id the redacted form carries (empty for room versions
// that don't put event_id on the wire) and the SHA-256 of the redacted
// form's canonical bytes, the v1/v2 prev_events/auth_events tuple's
// second component.
func referenceOfEvent(eventJSON []byte, alg RedactionAlgorithm) (eventID string, sha256sum []byte, err error) {
	redacted, err := Redact(eventJSON, alg)
	if err != nil {
		return "", nil, err
	}
	m, err := decodeEventMap(redacted)
	if err != nil {
		return "", nil, err
	}

	sum, err := canonicalSHA256(m, "signatures", "unsigned")
	if err != nil {
		return "", nil, err
	}
	if idRaw, ok := m["event_id"]; ok {
		if err := json.Unmarshal(idRaw, &eventID); err != nil {
			return "", nil, err
		}
	}
	return eventID, sum[:], nil
}

// signEvent signs the redacted form of the event (so the signature stays
// valid across a later redaction) and splices the resulting "signatures"
// object back into the unredacted event JSON, leaving every other field
// untouched.
func signEvent(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, eventJSON []byte, alg RedactionAlgorithm) ([]byte, error) {
	redacted, err := Redact(eventJSON, alg)
	if err != nil {
		return nil, err
	}
	signed, err := SignJSON(signingName, keyID, privateKey, redacted)
	if err != nil {
		return nil, err
	}
	var sigOnly struct {
		Signatures RawJSON `json:"signatures"`
	}
	if err := json.Unmarshal(signed, &sigOnly); err != nil {
		return nil, err
	}

	m, err := decodeEventMap(eventJSON)
	if err != nil {
		return nil, err
	}
	m["signatures"] = sigOnly.Signatures
	return json.Marshal(m)
}

// verifyEventSignature checks a single named key's signature over the
// redacted form of the event, implementing the pipeline's signature
// verification phase.
func verifyEventSignature(signingName string, keyID KeyID, publicKey ed25519.PublicKey, eventJSON []byte, alg RedactionAlgorithm) error {
	redacted, err := Redact(eventJSON, alg)
	if err != nil {
		return err
	}
	return VerifyJSON(signingName, keyID, publicKey, redacted)
}
