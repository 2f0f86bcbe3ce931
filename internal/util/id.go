package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns an opaque identifier. UUIDv7 keeps ids roughly time-ordered;
// callers must still not derive ordering or relations from them.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	raw := strings.ReplaceAll(id.String(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
