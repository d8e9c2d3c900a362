// Package ids generates the ULIDs the Coordinator uses to key every
// persistent entity: jobs, log chunks and downlink messages.
package ids

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// entropy is shared and mutex-guarded: ulid.New is not safe for concurrent
// use with a single io.Reader/monotonic source, and the Coordinator
// generates IDs from many goroutines at once (submit, register, scheduler,
// janitor).
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(ulid.DefaultEntropy(), 0)
)

// New returns a new, time-sortable ULID as its canonical 26-character
// Crockford base32 string.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// Valid reports whether s parses as a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
