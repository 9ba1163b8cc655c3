package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCursorRoundTrip(t *testing.T) {
	id := uuid.New()
	// Microsecond-stable instant in a non-UTC zone; decode must come
	// back UTC.
	loc := time.FixedZone("UTC+7", 7*3600)
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793000, loc)

	encoded := EncodeCursor(at, id)
	cur, err := DecodeCursor(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cur.CreatedAt.Equal(at) {
		t.Fatalf("timestamp mismatch: got %v want %v", cur.CreatedAt, at)
	}
	if cur.CreatedAt.Location() != time.UTC {
		t.Fatalf("decoded timestamp must be UTC, got %v", cur.CreatedAt.Location())
	}
	if cur.ID != id {
		t.Fatalf("id mismatch: got %s want %s", cur.ID, id)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "not-base64!!", "bm9jb2xvbg==", "MTIzNDU2"} {
		if _, err := DecodeCursor(bad); err == nil {
			t.Fatalf("expected error for cursor %q", bad)
		}
	}
}
