// Package ids issues lexicographically sortable migration revision ids.
package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// Revision returns a ULID for a revision created at t. Revisions created in
// the same millisecond still sort in creation order.
func Revision(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// RevisionTime extracts the creation time encoded in a revision id.
func RevisionTime(rev string) (time.Time, error) {
	id, err := ulid.ParseStrict(rev)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse revision %q: %w", rev, err)
	}
	return ulid.Time(id.Time()), nil
}
