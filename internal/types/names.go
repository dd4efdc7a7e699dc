package types

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// MaxNameLen bounds script and snapshot names.
const MaxNameLen = 255

// ErrInvalidName is returned for names the stores cannot key.
var ErrInvalidName = errors.New("invalid name")

// ScriptKey normalizes a script name to its archive key: lower case,
// slash separated, with any ".int" suffix removed. Scripts name each other
// case-insensitively, so "Lib.INT" and "lib" are the same script.
func ScriptKey(name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	key = strings.TrimSuffix(key, ".int")
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if err := CheckName(key); err != nil {
		return "", fmt.Errorf("script %q: %w", name, err)
	}
	return key, nil
}

// CheckName rejects empty, oversized or NUL-bearing names.
func CheckName(name string) error {
	switch {
	case name == "" || name == ".":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: %d bytes", ErrInvalidName, len(name))
	case strings.IndexByte(name, 0) >= 0:
		return fmt.Errorf("%w: contains NUL", ErrInvalidName)
	}
	return nil
}
