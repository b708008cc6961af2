package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// IdempotencyKey returns the SHA-256 hex digest over a canonical encoding
// of {tool, arguments}, used by the cache middleware to coalesce and reuse
// identical concurrent or repeated calls.
func (c *Call) IdempotencyKey() string {
	if c.idempotencyKey != "" {
		return c.idempotencyKey
	}
	canon := canonicalize(c.Arguments)
	payload, _ := json.Marshal(struct {
		Tool string `json:"tool"`
		Args any    `json:"arguments"`
	}{Tool: c.Tool, Args: canon})
	sum := sha256.Sum256(payload)
	c.idempotencyKey = hex.EncodeToString(sum[:])
	return c.idempotencyKey
}

// canonicalize produces a value whose JSON encoding is stable regardless
// of map iteration order, by recursively converting maps into sorted
// key/value pairs that Go's json package then marshals deterministically.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]keyVal, 0, len(keys))
		for _, k := range keys {
			out = append(out, keyVal{K: k, V: canonicalize(val[k])})
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

type keyVal struct {
	K string `json:"k"`
	V any    `json:"v"`
}
