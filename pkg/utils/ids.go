package utils

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// NewID returns a 22-character opaque identifier: the 16 random uuid
// bytes in unpadded base64 url encoding. Short enough for URLs, still
// collision-safe.
func NewID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}
