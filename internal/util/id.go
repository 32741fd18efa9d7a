package util

import "github.com/google/uuid"

// NewID returns a random UUID, optionally prefixed as "<prefix>_<uuid>".
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// IsUUID reports whether value parses as a UUID; used to reject malformed path ids before querying.
func IsUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
