// Package userid canonicalizes user identifiers before they are used as
// connection registry keys, so "42", " 42 " and "042" land on one entry.
package userid

import (
	"strings"

	apierrors "pulsechat/internal/errors"
)

// Zero is the canonical form of an empty identifier.
const Zero = "0"

// Normalize returns the digit-only canonical form of s. Surrounding
// whitespace is ignored, an empty value maps to Zero and leading zeros are
// dropped. Anything else that is not a plain run of ASCII digits (signs,
// exponents, hex, decimal points) fails with a NormalizationError.
func Normalize(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Zero, nil
	}

	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] < '0' || trimmed[i] > '9' {
			return "", apierrors.NewNormalizationError(s)
		}
	}

	trimmed = strings.TrimLeft(trimmed, "0")
	if trimmed == "" {
		return Zero, nil
	}
	return trimmed, nil
}

// MustNormalize is like Normalize but panics on malformed input. Use it for
// identifiers that are compile-time constants.
func MustNormalize(s string) string {
	id, err := Normalize(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether s normalizes without error.
func Valid(s string) bool {
	_, err := Normalize(s)
	return err == nil
}
