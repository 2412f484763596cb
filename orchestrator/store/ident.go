package store

import (
	"strings"

	"github.com/google/uuid"
)

// NewExternalID returns a compact random identifier: a 128-bit UUID
// rendered as 32 hex characters. User-assigned external ids may be any
// unique string; this is the default for generated rows.
func NewExternalID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
