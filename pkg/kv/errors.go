package kv

import "errors"

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("kv: key not found")

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
