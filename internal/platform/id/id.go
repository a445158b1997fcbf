// Package id generates random identifiers for connections and locators.
//
// Identifiers are UUIDv4 values rendered as lowercase, unpadded base32 to
// stay short and URL-safe. They are never used for replicated object
// identity, which must be derived deterministically by the engine.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character random identifier.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(u[:])), nil
}
