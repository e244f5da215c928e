// Package pagination encodes keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for tokens that were not produced by Cursor.Token.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the (created_at, id) key of the last item on a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Token returns the opaque client-facing form of c.
func (c Cursor) Token() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse decodes a token. An empty token means the first page and yields nil.
func Parse(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Paginate trims items fetched with limit+1 and derives the next cursor from
// the last kept item.
func Paginate[T any](items []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return Page[T]{
		Items:      items,
		NextCursor: Cursor{CreatedAt: createdAt, ID: id}.Token(),
		HasMore:    true,
	}
}
