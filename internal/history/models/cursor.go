package models

import (
	"encoding/base64"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// Cursor is the resume point of a paginated query.
//
// Last is the sort key of the last entry served. Snapshot is the highest sort
// key that belongs to the pagination sequence; entries appended after the
// first page have larger keys and are never served through this cursor.
type Cursor struct {
	Last       int64 `cbor:"1,keyasint"`
	Snapshot   int64 `cbor:"2,keyasint"`
	Descending bool  `cbor:"3,keyasint"`
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() (string, error) {
	raw, err := cbor.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	var c Cursor
	if err := cbor.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	// Snapshot bounds scans inclusively, so it must leave room for +1.
	if c.Last <= 0 || c.Snapshot < c.Last || c.Snapshot == math.MaxInt64 {
		return Cursor{}, fmt.Errorf("decode cursor: out of range")
	}
	return c, nil
}
