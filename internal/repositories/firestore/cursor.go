package firestore

import (
	"time"

	"github.com/mytapcard/api/internal/platform/pagination"
)

// encodeTimeCursor serialises a (timestamp, document ID) pair into a page token
// for queries ordered by a time field with the document ID as tie-breaker.
func encodeTimeCursor(ts time.Time, docID string) string {
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{ts.UTC().Format(time.RFC3339Nano), docID},
	})
	if err != nil {
		return ""
	}
	return token
}

func decodeTimeCursor(token string) (time.Time, string, bool) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil || len(cursor.StartAfter) != 2 {
		return time.Time{}, "", false
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", false
	}
	docID, ok := cursor.StartAfter[1].(string)
	if !ok || docID == "" {
		return time.Time{}, "", false
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, docID, true
}
