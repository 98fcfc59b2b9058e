package token

import "errors"

// Validation failures. All of these are fatal to the request that presented
// the token; none are retryable.
var (
	ErrInvalidSignature = errors.New("token signature verification failed")
	ErrTokenExpired     = errors.New("token expired")
	ErrAudienceMismatch = errors.New("token audience mismatch")
	ErrIssuerMismatch   = errors.New("token issuer mismatch")
)
