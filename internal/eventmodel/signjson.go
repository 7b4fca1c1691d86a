package eventmodel

import (
	"encoding/json"
	"fmt"

	"github.com/construct-go/homeserver/internal/canonicaljson"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// SignJSON adds an ed25519 signature under signatures.<signingName>.<keyID>
// to arbitrary JSON (an event, a server-keys document, or a federation
// request's signing payload), returning the updated document.
func SignJSON(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, jsonBytes []byte) ([]byte, error) {
	toSign, err := canonicalWithoutSignaturesAndUnsigned(jsonBytes)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(privateKey, toSign)
	sigB64 := Base64String(sig)
	sigJSON, err := json.Marshal(sigB64)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("signatures.%s.%s", escapeSJSONPath(signingName), escapeSJSONPath(string(keyID)))
	return sjson.SetRawBytes(jsonBytes, path, sigJSON)
}

// VerifyJSON checks a single named key's signature over jsonBytes.
func VerifyJSON(signingName string, keyID KeyID, publicKey ed25519.PublicKey, jsonBytes []byte) error {
	toVerify, err := canonicalWithoutSignaturesAndUnsigned(jsonBytes)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("signatures.%s.%s", escapeSJSONPath(signingName), escapeSJSONPath(string(keyID)))
	res := gjson.GetBytes(jsonBytes, path)
	if !res.Exists() {
		return fmt.Errorf("eventmodel: no signature from %q with key %q", signingName, keyID)
	}
	sig, err := decodeAnyBase64(res.String())
	if err != nil {
		return fmt.Errorf("eventmodel: invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(publicKey, toVerify, sig) {
		return fmt.Errorf("eventmodel: signature from %q with key %q does not verify", signingName, keyID)
	}
	return nil
}

// ListKeyIDs returns the key IDs that signingName has signed jsonBytes with.
func ListKeyIDs(signingName string, jsonBytes []byte) ([]KeyID, error) {
	res := gjson.GetBytes(jsonBytes, "signatures."+escapeSJSONPath(signingName))
	if !res.Exists() {
		return nil, nil
	}
	var out []KeyID
	res.ForEach(func(key, _ gjson.Result) bool {
		out = append(out, KeyID(key.String()))
		return true
	})
	return out, nil
}

func canonicalWithoutSignaturesAndUnsigned(jsonBytes []byte) ([]byte, error) {
	var doc map[string]RawJSON
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, err
	}
	delete(doc, "signatures")
	delete(doc, "unsigned")
	marshalled, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return canonicaljson.Marshal(marshalled)
}

// escapeSJSONPath escapes characters that sjson/gjson treat specially in
// path expressions ('.', '*', '?') so that server names and key IDs
// containing them are addressed literally.
func escapeSJSONPath(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '*', '?', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
