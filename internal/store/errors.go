package store

import "errors"

// ErrNotFound is returned (wrapped) by Load when no record exists
// under the requested id.
var ErrNotFound = errors.New("not found")
