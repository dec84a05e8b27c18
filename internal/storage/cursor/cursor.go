// Package cursor provides opaque pagination token encoding/decoding for
// version history enumeration.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor represents the internal state of a history pagination cursor.
// History pages run newest-first, so a cursor records the exclusive upper
// bound for the next page.
type Cursor struct {
	// Before is the exclusive upper version bound: the next page contains
	// versions strictly below it.
	Before uint64 `json:"before"`
}

// Encode encodes a cursor to an opaque base64 string.
func Encode(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decode decodes an opaque base64 string to a cursor.
// Returns an error if the token is invalid or malformed.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("empty token")
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode base64: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}

	if c.Before == 0 {
		return Cursor{}, fmt.Errorf("cursor bound must be positive")
	}
	return c, nil
}
