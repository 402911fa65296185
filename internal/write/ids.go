// ABOUTME: Random identifiers: object ids, session tokens, usernames and email tokens
// ABOUTME: Randomness comes from google/uuid's crypto-backed v4 generator

package write

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	objectIDLength   = 10
	randomNameLength = 25
	sessionPrefix    = "r:"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomString returns n random alphanumeric characters.
func randomString(n int) string {
	var b strings.Builder
	b.Grow(n)
	for b.Len() < n {
		id := uuid.New()
		for i, c := range id {
			// Bytes 6 and 8 carry the version and variant bits.
			if i == 6 || i == 8 || int(c) >= 256-256%len(alphanumeric) {
				continue
			}
			b.WriteByte(alphanumeric[int(c)%len(alphanumeric)])
			if b.Len() == n {
				break
			}
		}
	}
	return b.String()
}

func newObjectID() string {
	return randomString(objectIDLength)
}

// newSessionToken returns "r:" followed by 32 hex characters.
func newSessionToken() string {
	id := uuid.New()
	return sessionPrefix + hex.EncodeToString(id[:])
}

// isoTime formats t the way stored timestamps are written.
func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// dateValue wraps t as a {"__type":"Date"} value.
func dateValue(t time.Time) map[string]any {
	return map[string]any{"__type": "Date", "iso": isoTime(t)}
}
