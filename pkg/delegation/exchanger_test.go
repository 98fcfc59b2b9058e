package delegation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
	"github.com/redhat-et/delegated-secrets-demo/pkg/retry"
	"github.com/redhat-et/delegated-secrets-demo/pkg/token"
)

// rawToken fabricates a JWT-shaped token for a subject. The exchanger never
// verifies signatures (the downstream validator does), so any three-part
// base64 string will do.
func rawToken(t *testing.T, subject, audience string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"sub":    subject,
		"aud":    audience,
		"groups": []string{"ReadOnly"},
	})
	require.NoError(t, err)
	return "eyJhbGciOiJSUzI1NiJ9." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func subjectIdentity(t *testing.T, subject string) *token.Identity {
	t.Helper()
	id, err := token.ParseUnverified(rawToken(t, subject, "agent"))
	require.NoError(t, err)
	return id
}

func newTestExchanger(tokenURL string) *Exchanger {
	e := NewExchanger(Config{
		TokenURL:     tokenURL,
		ClientID:     "agent-service",
		ClientSecret: "secret",
	})
	e.policy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	e.log = logger.NewWithWriter(logger.ComponentExchange, io.Discard, false)
	return e
}

func TestExchangePreservesSubject(t *testing.T) {
	var calls atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, GrantTypeTokenExchange, r.Form.Get("grant_type"))
		assert.Equal(t, "products", r.Form.Get("audience"))
		assert.Equal(t, "agent-service", r.Form.Get("client_id"))
		assert.NotEmpty(t, r.Form.Get("subject_token"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":      rawToken(t, "alice", "products"),
			"token_type":        "Bearer",
			"issued_token_type": TokenTypeAccessToken,
			"expires_in":        300,
		})
	}))
	defer idp.Close()

	e := newTestExchanger(idp.URL)
	delegated, err := e.Exchange(context.Background(), subjectIdentity(t, "alice"), "products", []string{"products:read"})
	require.NoError(t, err)

	assert.Equal(t, "alice", delegated.Subject)
	assert.True(t, delegated.Delegated)
	assert.True(t, delegated.HasAudience("products"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestExchangeDetectsIdentityLeak(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A broken provider returns a token for somebody else.
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": rawToken(t, "mallory", "products"),
			"token_type":   "Bearer",
		})
	}))
	defer idp.Close()

	e := newTestExchanger(idp.URL)
	_, err := e.Exchange(context.Background(), subjectIdentity(t, "alice"), "products", nil)
	require.ErrorIs(t, err, ErrIdentityLeak)
}

func TestExchangeDeniedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "access_denied",
			"error_description": "client not allowed to exchange for this audience",
		})
	}))
	defer idp.Close()

	e := newTestExchanger(idp.URL)
	_, err := e.Exchange(context.Background(), subjectIdentity(t, "alice"), "products", nil)
	require.ErrorIs(t, err, ErrDelegationDenied)
	assert.Equal(t, int32(1), calls.Load(), "provider denial must not be retried")
}

func TestExchangeRetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": rawToken(t, "alice", "products"),
			"token_type":   "Bearer",
		})
	}))
	defer idp.Close()

	e := newTestExchanger(idp.URL)
	delegated, err := e.Exchange(context.Background(), subjectIdentity(t, "alice"), "products", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", delegated.Subject)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExchangeExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer idp.Close()

	e := newTestExchanger(idp.URL)
	_, err := e.Exchange(context.Background(), subjectIdentity(t, "alice"), "products", nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "exhausted retries should surface the transport error")
	assert.Equal(t, int32(3), calls.Load())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"complete", Config{TokenURL: "http://idp/token", ClientID: "c", ClientSecret: "s"}, true},
		{"missing token url", Config{ClientID: "c", ClientSecret: "s"}, false},
		{"missing client id", Config{TokenURL: "http://idp/token", ClientSecret: "s"}, false},
		{"missing client secret", Config{TokenURL: "http://idp/token", ClientID: "c"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// Guard against the error message leaking the tokens themselves.
func TestExchangeErrorsOmitTokens(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_request"})
	}))
	defer idp.Close()

	subject := subjectIdentity(t, "alice")
	e := newTestExchanger(idp.URL)
	_, err := e.Exchange(context.Background(), subject, "products", nil)
	require.Error(t, err)
	assert.NotContains(t, fmt.Sprint(err), subject.Raw)
}

func TestExchangeLogsOmitTokens(t *testing.T) {
	delegatedToken := rawToken(t, "alice", "products")
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":      delegatedToken,
			"token_type":        "Bearer",
			"issued_token_type": TokenTypeAccessToken,
			"expires_in":        300,
		})
	}))
	defer idp.Close()

	subject := subjectIdentity(t, "alice")
	e := newTestExchanger(idp.URL)
	var logs bytes.Buffer
	e.log = logger.NewWithWriter(logger.ComponentExchange, &logs, false)

	_, err := e.Exchange(context.Background(), subject, "products", nil)
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, "alice")
	assert.NotContains(t, out, subject.Raw)
	assert.NotContains(t, out, delegatedToken)
	assert.NotContains(t, out, e.cfg.ClientSecret)
}
