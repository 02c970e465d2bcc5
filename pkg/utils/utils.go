// Package utils provides shared utility functions for dvbloop-cuse.
package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SanitizeName replaces characters that are unsafe for CDI names and file names
// (colons, slashes, dots) with hyphens.
func SanitizeName(s string) string {
	r := strings.NewReplacer(
		":", "-",
		"/", "-",
		".", "-",
	)
	return r.Replace(s)
}

// ParsePerms parses an octal permission string such as "0660" or "660".
// Only the permission bits are accepted.
func ParsePerms(s string) (os.FileMode, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0o")
	if s == "" {
		return 0, fmt.Errorf("empty permission string")
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal permissions %q", s)
	}
	if v&^uint64(os.ModePerm) != 0 {
		return 0, fmt.Errorf("permissions %#o out of range", v)
	}
	return os.FileMode(v), nil
}
