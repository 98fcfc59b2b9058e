package chain

import (
	"errors"
	"net/http"

	"github.com/redhat-et/delegated-secrets-demo/pkg/delegation"
	"github.com/redhat-et/delegated-secrets-demo/pkg/policy"
	"github.com/redhat-et/delegated-secrets-demo/pkg/products"
	"github.com/redhat-et/delegated-secrets-demo/pkg/token"
	"github.com/redhat-et/delegated-secrets-demo/pkg/vault"
)

// HTTPStatus maps a chain failure to the status code a service should
// return. Failures never degrade to a permissive default: an unmapped error
// is a 500, not an allow.
func HTTPStatus(err error) int {
	var de *DownstreamError
	if errors.As(err, &de) {
		return de.Status
	}

	switch {
	case errors.Is(err, token.ErrInvalidSignature),
		errors.Is(err, token.ErrTokenExpired),
		errors.Is(err, token.ErrAudienceMismatch),
		errors.Is(err, token.ErrIssuerMismatch),
		errors.Is(err, delegation.ErrIdentityLeak):
		return http.StatusUnauthorized
	case errors.Is(err, delegation.ErrDelegationDenied),
		errors.Is(err, policy.ErrNoMatchingPolicy),
		errors.Is(err, vault.ErrBackendAuthDenied),
		errors.Is(err, ErrWriteDenied):
		return http.StatusForbidden
	case errors.Is(err, products.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, products.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, products.ErrEmptyName):
		return http.StatusBadRequest
	case delegation.IsRetryable(err),
		vault.IsRetryable(err),
		products.IsConnectionRefused(err),
		errors.Is(err, products.ErrCredentialExpired):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
