// Package stablejson produces deterministic JSON encodings and content
// hashes for stage payloads. Two payloads that are semantically equal
// must hash identically regardless of field order in the source, so
// every hash in the pipeline goes through Marshal first.
package stablejson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal encodes v as canonical JSON: object keys sorted
// lexicographically at every depth, numbers preserved exactly as their
// shortest round-trip text, no insignificant whitespace.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize re-encodes already-serialized JSON into canonical form.
// Numbers pass through as json.Number so 0.30 stays 0.30 and large
// integers never collapse to float64.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode JSON: %w", err)
	}
	return out, nil
}

// MustMarshal is Marshal for values known to be encodable, such as
// structs with only JSON-safe field types. It panics on error.
func MustMarshal(v any) []byte {
	out, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("stablejson: %v", err))
	}
	return out
}
