package ids

import (
	"crypto/rand"
	"encoding/base64"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Prefixed returns New() with an Auth0-style type prefix, e.g. "rs_01J...".
func Prefixed(prefix string) string {
	return prefix + "_" + New()
}

// Secret returns n bytes from crypto/rand encoded as unpadded base64url.
// ULIDs carry only 80 random bits, so anything exchangeable uses this instead.
func Secret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
