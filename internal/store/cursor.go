package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/apperr"
)

// Cursor is the opaque pagination cursor used by listings. It encodes
// a microsecond-truncated created_at plus the row id as a stable
// tiebreaker.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// EncodeCursor renders the cursor as URL-safe base64.
func EncodeCursor(createdAt time.Time, id uuid.UUID) string {
	raw := fmt.Sprintf("%d:%s", createdAt.UTC().UnixMicro(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an encoded cursor. The returned timestamp is UTC
// with microsecond resolution.
func DecodeCursor(encoded string) (Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return Cursor{}, apperr.BadRequest("malformed cursor")
	}
	micros, idPart, ok := strings.Cut(string(raw), ":")
	if !ok {
		return Cursor{}, apperr.BadRequest("malformed cursor")
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return Cursor{}, apperr.BadRequest("malformed cursor timestamp")
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return Cursor{}, apperr.BadRequest("malformed cursor id")
	}
	return Cursor{CreatedAt: time.UnixMicro(us).UTC(), ID: id}, nil
}
