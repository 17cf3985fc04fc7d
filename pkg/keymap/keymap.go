// Package keymap translates cache keys (usually URLs) into names which
// are safe to use as file or object names inside the cache storage
package keymap

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type (
	// Mapper derives a stable storage name from a cache key. Implementations
	// must be pure: the same key always yields the same name.
	Mapper interface {
		StorageName(key string) string
	}

	// MapperFunc adapts a plain function to the Mapper interface
	MapperFunc func(key string) string
)

const (
	replacementChar = '_'

	// Normalized names longer than maxNormalizedLength are cut down to
	// truncatedPrefixLength characters followed by part of the key hash
	// to stay well below NAME_MAX (255) including temp file decoration
	maxNormalizedLength   = truncatedPrefixLength + 1 + truncatedHashLength
	truncatedPrefixLength = 180
	truncatedHashLength   = 16
)

var (
	// Normalize replaces every character outside [A-Za-z0-9] by an
	// underscore. Names stay readable but structurally different keys
	// may collide ("a:b" and "a/b" share one name). Long keys are
	// truncated and suffixed with a hash of the full key.
	Normalize Mapper = MapperFunc(normalize)

	// SHA256 uses the hex encoded SHA256 sum of the key as storage name
	SHA256 Mapper = MapperFunc(sha256Name)
)

// StorageName implements the Mapper interface
func (m MapperFunc) StorageName(key string) string { return m(key) }

// ByName resolves the mapper names used in the configuration
func ByName(name string) (Mapper, error) {
	switch strings.ToLower(name) {
	case "", "normalize":
		return Normalize, nil

	case "sha256":
		return SHA256, nil

	default:
		return nil, errors.Errorf("unknown key mapping %q", name)
	}
}

func normalize(key string) string {
	if key == "" {
		return string(replacementChar)
	}

	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return replacementChar
		}
	}, key)

	if len(name) <= maxNormalizedLength {
		return name
	}

	return name[:truncatedPrefixLength] + string(replacementChar) + sha256Name(key)[:truncatedHashLength]
}

func sha256Name(key string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(key)))
}
