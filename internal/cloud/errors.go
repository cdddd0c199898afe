package cloud

import "errors"

var (
	// ErrLinkUnavailable means the network link could not be (re)associated
	ErrLinkUnavailable = errors.New("network link unavailable")

	// ErrAuthRejected means the API refused the credential, or kept refusing
	// a freshly issued token
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrTimeout means a call exhausted its time budget without success
	ErrTimeout = errors.New("request budget exhausted")

	// ErrMalformedBody means a successful response carried an unexpected body
	ErrMalformedBody = errors.New("malformed response body")

	// ErrNotConfigured means a required endpoint or credential is empty
	ErrNotConfigured = errors.New("sync client not configured")
)
