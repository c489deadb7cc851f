package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Cursor is the keyset position after the last row of a page.
// Rows are ordered by created_at DESC, id DESC.
type Cursor struct {
	CreatedAt time.Time `json:"c"`
	ID        uuid.UUID `json:"i"`
}

// Encode returns the opaque token handed to clients
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by Encode
func DecodeCursor(token string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.ID == uuid.Nil || c.CreatedAt.IsZero() {
		return nil, fmt.Errorf("invalid cursor: missing position")
	}
	return &c, nil
}

// After reports whether a row at (createdAt, id) sorts after the cursor
func (c *Cursor) After(createdAt time.Time, id uuid.UUID) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return compareUUID(id, c.ID) < 0
}

// SortsBefore orders rows newest first with id as the tie-breaker
func SortsBefore(aCreated time.Time, aID uuid.UUID, bCreated time.Time, bID uuid.UUID) bool {
	if !aCreated.Equal(bCreated) {
		return aCreated.After(bCreated)
	}
	return compareUUID(aID, bID) > 0
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Page is one slice of a cursor-paginated listing
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}
