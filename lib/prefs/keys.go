package prefs

import (
	"strings"
	"unicode/utf8"
)

// DefaultKeyPrefix is put in front of every preference name to form its storage key
const DefaultKeyPrefix = "/"

// keyMapper maps preference names to storage keys and back.
// The mapping is key = prefix + name.
type keyMapper struct {
	prefix string
}

// key returns the storage key of a preference
func (k keyMapper) key(name string) string {
	return k.prefix + name
}

// name returns the preference name of a storage key. The boolean is false for
// keys that do not belong to this mapper.
func (k keyMapper) name(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, k.prefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// validateName checks that a name can be mapped to a storage key and back
func validateName(name string) error {
	switch {
	case name == "":
		return newError(CodeInvalidArgument, name, "name must not be empty")
	case !utf8.ValidString(name):
		return newError(CodeInvalidArgument, name, "name must be valid UTF-8")
	case strings.ContainsRune(name, 0):
		return newError(CodeInvalidArgument, name, "name must not contain NUL bytes")
	}
	return nil
}
