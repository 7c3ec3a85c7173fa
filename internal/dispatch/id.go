package dispatch

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	idPrefix   = "pa-"
	idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	idLength   = 12
)

// NewID returns a fresh notification id such as "pa-V1StGXR8Z5jd".
func NewID() (string, error) {
	id, err := nanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return "", fmt.Errorf("generating notification id: %w", err)
	}
	return idPrefix + id, nil
}
