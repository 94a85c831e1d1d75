package util

import "errors"

// Sentinel errors for common failure modes
var (
	// ErrUnsupported indicates a file format or operation is not supported
	ErrUnsupported = errors.New("unsupported")

	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid configuration or an out-of-range argument
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoCaptureDate means no date source produced a capture timestamp
	ErrNoCaptureDate = errors.New("no capture date")

	// ErrTooManyCollisions means every collision suffix up to the limit was taken
	ErrTooManyCollisions = errors.New("too many name collisions")

	// ErrOutsideRoot means a relative path resolved outside its root directory
	ErrOutsideRoot = errors.New("path escapes root")

	// ErrInvalidGUID means a string is not a 32 character hex id
	ErrInvalidGUID = errors.New("invalid guid")
)
