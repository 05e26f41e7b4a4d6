// ABOUTME: Identity name validation and normalization for the messaging hub.
// ABOUTME: Names are lowercase DNS-label-style strings with a small reserved set.

package identity

import (
	"strings"

	"github.com/2389/courier/internal/errcode"
)

// MaxLength is the maximum identity name length after normalization.
const MaxLength = 64

// reserved names may never be registered; they are claimed by the hub
// itself or held for future fan-out addressing.
var reserved = map[string]bool{
	"hub":       true,
	"broadcast": true,
	"all":       true,
}

// Normalize lowercases name and validates it against the identity grammar:
// 1-64 characters, ASCII lowercase letters, digits, and hyphens, with no
// leading or trailing hyphen. Returns the normalized name or an
// INVALID_IDENTITY error.
func Normalize(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	if normalized == "" {
		return "", errcode.New(errcode.InvalidIdentity, "identity name is empty")
	}
	if len(normalized) > MaxLength {
		return "", errcode.New(errcode.InvalidIdentity,
			"identity name exceeds %d characters", MaxLength).With("identity", normalized)
	}
	if normalized[0] == '-' || normalized[len(normalized)-1] == '-' {
		return "", errcode.New(errcode.InvalidIdentity,
			"identity name may not start or end with a hyphen").With("identity", normalized)
	}
	for i := 0; i < len(normalized); i++ {
		c := normalized[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return "", errcode.New(errcode.InvalidIdentity,
				"identity name contains invalid character %q", c).With("identity", normalized)
		}
	}
	if reserved[normalized] {
		return "", errcode.New(errcode.InvalidIdentity,
			"identity name %q is reserved", normalized).With("identity", normalized)
	}
	return normalized, nil
}
