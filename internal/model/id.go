package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a run identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewToken generates a single-use resume token.
func NewToken() string {
	return uuid.NewString()
}
