package domain

import (
	"strconv"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string for application-owned entities.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FormatID converts an integer entity ID to its string representation.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseID converts a string ID back to an integer entity ID.
func ParseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
