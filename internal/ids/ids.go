// Package ids generates process-unique, lexically sortable identifiers.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Source hands out ULIDs. Within the same millisecond the random part is
// incremented, so two ids from one Source never collide.
type Source struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewSource creates a Source using crypto/rand entropy and the wall clock.
func NewSource() *Source {
	return &Source{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// New returns the next id, optionally prefixed ("sig_", "viol_", ...).
func (s *Source) New(prefix string) string {
	s.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(s.now()), s.entropy)
	s.mu.Unlock()
	return prefix + id.String()
}

var defaultSource = NewSource()

// New returns an id from the package-wide source.
func New(prefix string) string {
	return defaultSource.New(prefix)
}
