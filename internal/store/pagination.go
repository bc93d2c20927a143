package store

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type CursorPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// Cursor marks the last row of a page ordered by (created_at, id) descending.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// Before reports whether a row sorts after the cursor in descending order.
func (c Cursor) Before(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

var ErrInvalidCursor = errors.New("invalid cursor")

func EncodeCursor(cursor Cursor) string {
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor. An empty string yields nil, meaning the first page.
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCursor, "%v", err)
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, errors.Wrapf(ErrInvalidCursor, "%v", err)
	}
	return &cursor, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// pageOf trims a limit+1 result set and derives the next cursor from its last row.
func pageOf[T any](rows []T, limit int, key func(T) Cursor) *CursorPage[T] {
	page := &CursorPage[T]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.HasMore = true
		page.NextCursor = EncodeCursor(key(page.Items[limit-1]))
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page
}
