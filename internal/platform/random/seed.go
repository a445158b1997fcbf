// Package random provides cryptographic seed generation helpers.
//
// Session seeds come from crypto/rand so distinct sessions never share a
// synchronized random stream; the seed itself is then replicated to every
// participant and consumed deterministically.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
)

// NewSeed generates a random session seed using crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}

	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
