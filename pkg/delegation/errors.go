package delegation

import (
	"errors"
	"fmt"
)

// ErrDelegationDenied is returned when the identity provider rejects the
// exchange (expired assertion, revoked consent, insufficient scope). It is
// not transient and must never be retried.
var ErrDelegationDenied = errors.New("delegation denied by identity provider")

// ErrIdentityLeak is returned when the provider hands back a token whose
// subject differs from the subject we presented. Delegation must preserve
// the original identity; a mismatch means the exchange would let this
// service act as someone other than the caller.
var ErrIdentityLeak = errors.New("delegated token subject differs from original subject")

// NetworkError wraps a transport-level failure reaching the token endpoint.
// Callers retry these with bounded backoff.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("token endpoint unreachable: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient delegation failure.
func IsRetryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
