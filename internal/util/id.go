package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a 32-char hex id. IDs are UUIDv7, so they sort by creation
// time, which keeps file and message keys roughly insert-ordered.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
