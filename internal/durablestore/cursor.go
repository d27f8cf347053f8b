// Copyright 2025 James Ross
package durablestore

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Cursor encodes the tie-broken pagination position: listing orders
// by created_at DESC, tie-break id DESC, and the cursor carries both.
type Cursor struct {
	CreatedAtNano int64
	ID            string
}

func EncodeCursor(c Cursor) string {
	raw := fmt.Sprintf("%d:%s", c.CreatedAtNano, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("malformed cursor")
	}
	nano, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return Cursor{CreatedAtNano: nano, ID: parts[1]}, nil
}
