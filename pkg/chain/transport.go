package chain

import (
	"net/http"

	"github.com/redhat-et/delegated-secrets-demo/pkg/audit"
)

// CorrelationHeader threads the request id across service boundaries so the
// audit trails of all hops can be stitched together.
const CorrelationHeader = "X-Correlation-Id"

// CorrelationTransport is an http.RoundTripper that injects the correlation
// id from the request context into outbound HTTP requests. This lets the
// correlation id flow transparently through code that has no knowledge of
// auditing.
//
// Usage:
//
//	httpClient := &http.Client{
//	    Transport: &chain.CorrelationTransport{Base: http.DefaultTransport},
//	    Timeout:   5 * time.Second,
//	}
type CorrelationTransport struct {
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper. If the request context carries a
// correlation id, it clones the request and adds the header.
func (t *CorrelationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if id, ok := audit.CorrelationFrom(req.Context()); ok {
		req = req.Clone(req.Context())
		req.Header.Set(CorrelationHeader, id)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// CorrelationMiddleware lifts an inbound correlation header into the request
// context so every hop of a request shares one id. Requests that arrive
// without the header get one minted later by the Handler.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(CorrelationHeader); id != "" {
			r = r.WithContext(audit.WithCorrelationID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
