// Package shortid generates the opaque identifiers behind generated links.
package shortid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Length is the number of hex characters in a generated ID.
const Length = 6

// NewID returns a fixed-length identifier from a cryptographically secure
// random source. IDs are link capability tokens, so they must not be
// guessable or enumerable.
func NewID() (string, error) {
	buf := make([]byte, (Length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	return hex.EncodeToString(buf)[:Length], nil
}

// BuildLink composes the public download-page link for an ID.
func BuildLink(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/download-page/" + id
}
