package vault

import (
	"errors"
	"fmt"
)

// ErrBackendAuthDenied is returned when the secrets backend rejects the
// presented identity token. Not retryable: the backend independently
// validated the token and said no.
var ErrBackendAuthDenied = errors.New("secrets backend rejected the identity token")

// ErrRoleNotProvisioned is returned when the requested role has no
// corresponding backend policy. This is a configuration error.
var ErrRoleNotProvisioned = errors.New("no secrets backend role provisioned")

// BackendUnreachableError wraps a transport-level failure reaching the
// secrets backend. Callers retry these with bounded backoff.
type BackendUnreachableError struct {
	Err error
}

func (e *BackendUnreachableError) Error() string {
	return fmt.Sprintf("secrets backend unreachable: %v", e.Err)
}

func (e *BackendUnreachableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient broker failure.
func IsRetryable(err error) bool {
	var be *BackendUnreachableError
	return errors.As(err, &be)
}
