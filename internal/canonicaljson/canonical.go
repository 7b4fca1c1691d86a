// Package canonicaljson implements the Matrix canonical JSON profile used
// as the signing and hashing preimage for events and server-key documents:
// UTF-8, no insignificant whitespace, object keys sorted lexicographically
// by codepoint, numbers rendered as shortest round-tripping decimal, and
// escapes reserved for control characters (\uXXXX) and '"'/'\\'.
package canonicaljson

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Marshal re-serialises arbitrary valid JSON into its canonical form.
func Marshal(input []byte) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(string(input)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicaljson: invalid JSON: %w", err)
	}
	var buf strings.Builder
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// MarshalAssumeValid is like Marshal but panics on malformed input; it is
// used on the hot path after JSON has already been validated once, mirroring
// the trusted/untrusted split in the retrieved event-parsing code.
func MarshalAssumeValid(input []byte) []byte {
	out, err := Marshal(input)
	if err != nil {
		panic(fmt.Errorf("canonicaljson: assumed-valid input was not valid: %w", err))
	}
	return out
}

func encode(buf *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return encodeNumber(buf, val)
	case string:
		encodeString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicaljson: unsupported value type %T", v)
	}
	return nil
}

func encodeNumber(buf *strings.Builder, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonicaljson: invalid number %q: %w", n, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicaljson: non-finite number %q not permitted", n)
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// encodeString writes a JSON string literal that escapes only control
// characters (< 0x20, as \uXXXX) and the two characters that must always be
// escaped in JSON, '"' and '\\' (as \" and \\).
func encodeString(buf *strings.Builder, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r < 0x20:
			fmt.Fprintf(buf, `\u%04x`, r)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
