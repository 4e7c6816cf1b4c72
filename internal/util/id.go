// internal/util/id.go
// Log-correlation token helper based on ULID (Universally Unique
// Lexicographically Sortable Identifier).  This is NOT the wire RequestId —
// that is a UUID minted in internal/broker (see pkg/wire) to match the
// tunnel's on-the-wire "uuid-dashed" contract.  ULIDs are sortable by
// creation time, which makes them convenient for grepping a time range of
// log lines without needing a separate timestamp index.
//
// The implementation exposes two helpers:
//   - NewLogID()     – returns a ULID string in canonical Crockford base‑32
//   - MustNewLogID() – like NewLogID but panics on entropy errors (rare)
//
// To avoid excessive syscalls we keep a process‑global monotonic entropy source
// (math/rand wrapped by ulid.Monotonic) seeded from crypto/rand.
package util

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	mrand "math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

var entropy *ulid.MonotonicEntropy

func init() {
    // Seed math/rand with crypto‑secure random so that ulid monotonic generator
    // starts at an unpredictable state while remaining cheap thereafter.
    var seed int64
    _ = binaryRead(rand.Reader, &seed)
    entropy = ulid.Monotonic(mrand.New(mrand.NewSource(seed)), 0)
}

// NewLogID returns a new ULID string or error.
func NewLogID() (string, error) {
    id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
    if err != nil {
        return "", err
    }
    return id.String(), nil
}

// MustNewLogID panics on failure (entropy read errors).
func MustNewLogID() string {
    s, err := NewLogID()
    if err != nil {
        panic(err)
    }
    return s
}

// binaryRead is a tiny helper to read crypto/rand into any fixed‑size integer.
func binaryRead(r io.Reader, v interface{}) error {
    return binary.Read(r, binary.BigEndian, v)
}
