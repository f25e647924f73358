package chronodb

import (
	"regexp"
	"strings"
)

// branchNameRegex validates branch names: alphanumeric, underscores,
// hyphens. Must start with a letter, underscore, or digit.
var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_-]*$`)

const (
	maxBranchNameLen = 256
	maxKeyspaceLen   = 256
	maxKeyLen        = 4096
)

// ValidateBranchName rejects empty, oversized, or malformed branch names
// at the API boundary, per §7's InvalidArgument.
func ValidateBranchName(name string) error {
	if name == "" || len(name) > maxBranchNameLen {
		return ErrInvalidArgument
	}
	if !branchNameRegex.MatchString(name) {
		return ErrInvalidArgument
	}
	return nil
}

// ValidateKeyspace rejects keyspaces that are empty, oversized, or that
// contain the separator byte used inside encoded temporal keys.
func ValidateKeyspace(keyspace string) error {
	return validateKeyComponent(keyspace, maxKeyspaceLen)
}

// ValidateKey rejects keys that are empty, oversized, or that contain
// the separator byte used inside encoded temporal keys.
func ValidateKey(key string) error {
	return validateKeyComponent(key, maxKeyLen)
}

func validateKeyComponent(s string, maxLen int) error {
	if s == "" || len(s) > maxLen {
		return ErrInvalidArgument
	}
	if strings.IndexByte(s, separator) >= 0 {
		return ErrInvalidArgument
	}
	if strings.Contains(s, "..") || strings.HasPrefix(s, "/") {
		return ErrInvalidArgument
	}
	return nil
}

// ValidateTimestamp rejects a timestamp too large to leave headroom
// against reserved sentinel values such as InfiniteTimestamp.
func ValidateTimestamp(t uint64) error {
	if t > uint64(1)<<62 {
		return ErrInvalidArgument
	}
	return nil
}

func equalStringSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
