package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for authorisations,
// so that authorisations of one parent list in creation order.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewExternal returns an opaque identifier for consents and payments.
func NewExternal() string {
	return uuid.NewString()
}

// NewRequestID returns the correlation id sent with every backend call.
func NewRequestID() uuid.UUID {
	return uuid.New()
}
