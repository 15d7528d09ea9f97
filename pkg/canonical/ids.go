package canonical

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix followed by 24 lowercase hex characters.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
