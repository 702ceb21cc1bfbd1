package crypto

import "errors"

// ErrInvalidKeyLength indicates a non-positive key length was requested.
var ErrInvalidKeyLength = errors.New("key length must be positive")
