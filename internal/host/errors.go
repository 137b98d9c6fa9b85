package host

import "errors"

// Error taxonomy surfaced to the HTTP layer for status mapping. Anything
// else bubbling out of this package is an internal failure and maps to a
// 5xx.
var (
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrQuotaExceeded = errors.New("disk quota exceeded")
	ErrConflict      = errors.New("already exists")
	ErrInvalidDomain = errors.New("invalid domain")
	ErrInvalidName   = errors.New("invalid archive name")
	ErrInvalidKey    = errors.New("invalid archive key")
)
