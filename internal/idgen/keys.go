package idgen

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxKeyLength bounds caller-supplied keys such as client request keys,
// dedupe keys and worker ids.
const MaxKeyLength = 200

// ValidateKey checks that a caller-supplied key is usable as an opaque
// identifier: non-empty, valid UTF-8, at most MaxKeyLength bytes and free of
// control characters.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is empty")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("key too long (max %d bytes)", MaxKeyLength)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("key %q is not valid UTF-8", key)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("key %q contains control characters", key)
		}
	}
	return nil
}
