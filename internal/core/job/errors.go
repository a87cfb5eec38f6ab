package job

import "errors"

var (
	// Store errors.
	ErrJobNotFound  = errors.New("job: not found")
	ErrResultExists = errors.New("job: result already recorded")

	// Validation errors.
	ErrInvalidURL      = errors.New("job: websiteUrl must be an absolute http(s) URL")
	ErrInvalidRegion   = errors.New("job: region must be one of us, eu, asia, india")
	ErrMissingJobID    = errors.New("job: jobId is required")
	ErrMissingLoadTime = errors.New("job: loadTime is required for a successful result")

	// State errors.
	ErrAlreadyFinalized = errors.New("job: already finalized")

	// Dispatch wraps failures of the multi-store submission write.
	ErrDispatch = errors.New("job: dispatch failed")
)

// IsValidation reports whether err was caused by a malformed client request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrInvalidRegion) ||
		errors.Is(err, ErrMissingJobID) ||
		errors.Is(err, ErrMissingLoadTime)
}
