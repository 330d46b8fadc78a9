// Package id generates identifiers for rewind records.
package id

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Generate returns an identifier of the form <prefix>_<12 hex chars>,
// e.g. "snap_3f2a9c1d0b4e". The suffix is drawn from a random (v4) UUID.
func Generate(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:6])
}

// Valid reports whether s looks like an identifier produced by Generate
// with the given prefix.
func Valid(prefix, s string) bool {
	if len(s) != len(prefix)+1+12 || s[:len(prefix)+1] != prefix+"_" {
		return false
	}
	_, err := hex.DecodeString(s[len(prefix)+1:])
	return err == nil
}
