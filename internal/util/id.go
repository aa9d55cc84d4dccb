package util

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidID = errors.New("invalid job id")

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// ParseID validates a client-supplied job id and returns it in canonical form.
func ParseID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidID
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", ErrInvalidID
	}
	return id.String(), nil
}
