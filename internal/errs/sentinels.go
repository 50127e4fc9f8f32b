// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/transport layers.
var (
	// ErrInvalidInput indicates empty or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound indicates the requested user, token or key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., user name taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication. Unknown user and wrong
	// password both map here.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenInvalid indicates a signature or format failure.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenExpired indicates a token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates a token that was explicitly revoked.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrStorage wraps persistence layer failures.
	ErrStorage = errors.New("storage failure")

	// ErrUpstreamUnavailable indicates a sibling process could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")
)
