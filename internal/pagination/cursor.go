// Package pagination implements the keyset cursors shared by every list endpoint.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Page size bounds
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrInvalidCursor is returned for cursors that were not produced by Encode
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor points at the last row of the previous page in (created_at DESC, id DESC) order
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Decode parses an opaque cursor. An empty string means the first page.
func Decode(cursorStr string) (*Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding: %v", ErrInvalidCursor, err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: bad format", ErrInvalidCursor)
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", ErrInvalidCursor, err)
	}

	return &Cursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		ID:        parts[1],
	}, nil
}

// Encode renders a cursor for the row at (createdAt, id)
func Encode(createdAt time.Time, id string) string {
	cs := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}

// ClampPageSize applies the default and the upper bound
func ClampPageSize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}
