package persist

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/wolfpack/internal/entity"
)

// Cursor is a position in a created_at DESC, id ASC ordering.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// EncodeCursor returns the opaque cursor positioned after e.
func EncodeCursor(e entity.Entity) string {
	raw := e.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + e.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor. The empty cursor is the zero Cursor.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, Wrap(CodeValidation, "invalid cursor", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return Cursor{}, Errorf(CodeValidation, "invalid cursor %q", s)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, Wrap(CodeValidation, "invalid cursor time", err)
	}
	return Cursor{CreatedAt: at, ID: id}, nil
}

// IsZero reports whether the cursor starts from the newest entity.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// After reports whether e sorts strictly after the cursor position.
func (c Cursor) After(e entity.Entity) bool {
	if c.IsZero() {
		return true
	}
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.Before(c.CreatedAt)
	}
	return e.ID > c.ID
}

// Paginate cuts one page out of items, which must already be in feed order.
func Paginate(items []entity.Entity, cursor string, limit int) (Page, error) {
	c, err := DecodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		return Page{}, Errorf(CodeValidation, "limit must be positive, got %d", limit)
	}
	page := Page{Items: make([]entity.Entity, 0, min(limit, len(items)))}
	for _, e := range items {
		if !c.After(e) {
			continue
		}
		if len(page.Items) == limit {
			page.NextCursor = EncodeCursor(page.Items[len(page.Items)-1])
			break
		}
		page.Items = append(page.Items, e)
	}
	return page, nil
}

func (c Cursor) String() string {
	return fmt.Sprintf("%s/%s", c.CreatedAt.Format(time.RFC3339Nano), c.ID)
}

