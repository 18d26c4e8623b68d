// Package idgen generates client peer ids of the Azureus-style form
// "-<ID><VER>-<12 decimal digits>" (spec §3).
package idgen

import (
	"crypto/rand"
	"fmt"
)

// ClientID and ClientVersion identify this implementation on the wire.
const (
	ClientID      = "TC"
	ClientVersion = "0001"
)

// New generates a fresh 20-byte peer id.
func New() ([20]byte, error) {
	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return [20]byte{}, fmt.Errorf("idgen: read random suffix: %w", err)
	}
	var digits [12]byte
	for i, b := range suffix {
		digits[2*i] = '0' + (b/10)%10
		digits[2*i+1] = '0' + b%10
	}
	var id [20]byte
	prefix := fmt.Sprintf("-%s%s-", ClientID, ClientVersion)
	copy(id[:], prefix)
	copy(id[len(prefix):], digits[:])
	return id, nil
}
