// Package idgen mints identifiers for runs, events and subscribers.
package idgen

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Sequential returns a ULID. Values minted by one process sort in creation
// order, which the event journal relies on.
func Sequential() string {
	return ulid.Make().String()
}

const maxRunIDLength = 128

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._:-]*)$`)

// ValidateRunID checks a caller-supplied run id: letters, digits, dot,
// underscore, colon and dash, starting with a letter or digit, at most 128
// characters.
func ValidateRunID(id string) error {
	if len(id) > maxRunIDLength {
		return fmt.Errorf("run id too long (max %d characters)", maxRunIDLength)
	}
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("run id %q is invalid: must match %s", id, runIDPattern.String())
	}
	return nil
}
