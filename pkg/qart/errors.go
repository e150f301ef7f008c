package qart

import "errors"

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("qart: artifact not found")
