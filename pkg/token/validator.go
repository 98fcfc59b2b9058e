package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultRefreshInterval bounds how long a fetched key set is considered
// fresh. A stale set remains usable until a token arrives signed by an
// unknown key, which forces a refresh.
const DefaultRefreshInterval = 5 * time.Minute

// keySnapshot is an immutable view of the JWKS. Refresh swaps a whole new
// snapshot in, so concurrent readers never observe a partial update.
type keySnapshot struct {
	set     jose.JSONWebKeySet
	fetched time.Time
}

// Validator validates bearer JWTs against a JWKS endpoint and the configured
// issuer/audience. It is safe for concurrent use; the only shared state is
// the key-set snapshot.
type Validator struct {
	jwksURL          string
	expectedIssuer   string
	expectedAudience string
	refreshEvery     time.Duration
	httpClient       *http.Client

	keys      atomic.Pointer[keySnapshot]
	refreshMu sync.Mutex
}

// NewValidator creates a validator for the given JWKS URL.
func NewValidator(jwksURL, expectedIssuer, expectedAudience string) *Validator {
	return &Validator{
		jwksURL:          jwksURL,
		expectedIssuer:   expectedIssuer,
		expectedAudience: expectedAudience,
		refreshEvery:     DefaultRefreshInterval,
		httpClient:       &http.Client{Timeout: 10 * time.Second},
	}
}

// NewValidatorFromIssuer derives the JWKS URL from a Keycloak-style issuer URL.
func NewValidatorFromIssuer(issuerURL, expectedAudience string) *Validator {
	jwksURL := strings.TrimSuffix(issuerURL, "/") + "/protocol/openid-connect/certs"
	return NewValidator(jwksURL, issuerURL, expectedAudience)
}

// Run pre-fetches the key set and refreshes it in the background until ctx
// is cancelled, keeping key fetches off the request path. Fetch failures are
// tolerated: the previous snapshot stays in place.
func (v *Validator) Run(ctx context.Context) {
	v.refresh(ctx, v.keys.Load())
	ticker := time.NewTicker(v.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.refresh(ctx, v.keys.Load())
		}
	}
}

// Validate verifies the token's signature, expiry, issuer and audience and
// returns the parsed identity. It has no side effects on the token; calling
// it twice on the same token yields the same result.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Identity, error) {
	jws, err := jose.ParseSigned(rawToken, []jose.SignatureAlgorithm{jose.RS256, jose.ES256})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse JWT: %v", ErrInvalidSignature, err)
	}
	if len(jws.Signatures) == 0 {
		return nil, fmt.Errorf("%w: no signatures in JWT", ErrInvalidSignature)
	}
	kid := jws.Signatures[0].Header.KeyID

	key, err := v.signingKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	payload, err := jws.Verify(key.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	id, err := parseIdentity(rawToken, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !id.ExpiresAt.IsZero() && !time.Now().Before(id.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired at %s", ErrTokenExpired, id.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if v.expectedIssuer != "" && id.Issuer != v.expectedIssuer {
		return nil, fmt.Errorf("%w: got %q, expected %q", ErrIssuerMismatch, id.Issuer, v.expectedIssuer)
	}
	if v.expectedAudience != "" && !id.HasAudience(v.expectedAudience) {
		return nil, fmt.Errorf("%w: token audience %v does not contain %q",
			ErrAudienceMismatch, id.Audience, v.expectedAudience)
	}

	return id, nil
}

// signingKey returns the key for kid, refreshing the key set once if the kid
// is unknown (key rotation).
func (v *Validator) signingKey(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	snap := v.keys.Load()
	if snap == nil || time.Since(snap.fetched) >= v.refreshEvery {
		if err := v.refresh(ctx, snap); err != nil && snap == nil {
			return nil, fmt.Errorf("%w: failed to fetch JWKS: %v", ErrInvalidSignature, err)
		}
		snap = v.keys.Load()
	}

	if keys := snap.set.Key(kid); len(keys) > 0 {
		return &keys[0], nil
	}

	// Unknown kid: the keys may have rotated since the last fetch.
	if err := v.refresh(ctx, snap); err != nil {
		return nil, fmt.Errorf("%w: failed to refresh JWKS: %v", ErrInvalidSignature, err)
	}
	snap = v.keys.Load()
	if keys := snap.set.Key(kid); len(keys) > 0 {
		return &keys[0], nil
	}
	return nil, fmt.Errorf("%w: no matching key found for kid %q", ErrInvalidSignature, kid)
}

// refresh fetches the JWKS and atomically swaps in a new snapshot. On
// failure the existing snapshot is kept. The seen argument is the snapshot
// the caller acted on: if it has already been replaced, the fetch is skipped.
func (v *Validator) refresh(ctx context.Context, seen *keySnapshot) error {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if v.keys.Load() != seen {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS from %s: %w", v.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keySet); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	v.keys.Store(&keySnapshot{set: keySet, fetched: time.Now()})
	return nil
}
