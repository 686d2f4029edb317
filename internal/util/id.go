package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random 32-char hex ID suitable for request and job ids.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
