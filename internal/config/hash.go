package config

import (
	"bytes"
	"encoding/json"
	"hash/fnv"
)

// Digest fingerprints v by its JSON encoding. Map keys are encoded sorted,
// so key order never changes the result.
func Digest(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// RawDigest fingerprints an embedded JSON block ignoring layout. Empty
// blocks give 0; blocks that do not decode are fingerprinted as text.
func RawDigest(raw json.RawMessage) uint64 {
	if len(bytes.TrimSpace(raw)) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Digest(string(raw))
	}
	return Digest(v)
}
