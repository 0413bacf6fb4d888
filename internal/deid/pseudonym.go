package deid

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SuffixSource produces the random part of a pseudonym: 8 uppercase hex
// characters. Implementations must be safe for concurrent use.
type SuffixSource interface {
	NewSuffix() (string, error)
}

// UUIDSource draws suffixes from random (version 4) UUIDs.
type UUIDSource struct{}

func (UUIDSource) NewSuffix() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(id[:4])), nil
}

// Generator issues pseudonym tokens of the form [TYPE_XXXXXXXX]. It keeps no
// record of issued tokens; collisions are possible but improbable.
type Generator struct {
	src SuffixSource
}

// NewGenerator returns a generator over src, or over UUIDSource when src is nil.
func NewGenerator(src SuffixSource) *Generator {
	if src == nil {
		src = UUIDSource{}
	}
	return &Generator{src: src}
}

// Generate returns a fresh token for the entity type.
func (g *Generator) Generate(et EntityType) (string, error) {
	suffix, err := g.src.NewSuffix()
	if err != nil {
		return "", err
	}
	if !validSuffix(suffix) {
		return "", fmt.Errorf("invalid pseudonym suffix %q", suffix)
	}
	return "[" + string(et) + "_" + suffix + "]", nil
}

func validSuffix(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !(r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}
