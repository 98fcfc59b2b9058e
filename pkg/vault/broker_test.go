package vault

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
	"github.com/redhat-et/delegated-secrets-demo/pkg/policy"
	"github.com/redhat-et/delegated-secrets-demo/pkg/retry"
	"github.com/redhat-et/delegated-secrets-demo/pkg/token"
)

// fakeBackend is a minimal stand-in for the secrets backend's JWT login and
// database credentials endpoints.
type fakeBackend struct {
	*httptest.Server

	policies      []string
	leaseSeconds  int
	loginStatus   int
	credsStatus   int
	loginCalls    atomic.Int32
	credsCalls    atomic.Int32
	lastCredsRole atomic.Value
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		policies:     []string{"default", "db-readonly", "db-readwrite"},
		leaseSeconds: 300,
		loginStatus:  http.StatusOK,
		credsStatus:  http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/jwt/login", func(w http.ResponseWriter, r *http.Request) {
		b.loginCalls.Add(1)
		if b.loginStatus != http.StatusOK {
			w.WriteHeader(b.loginStatus)
			json.NewEncoder(w).Encode(map[string]any{"errors": []string{"permission denied"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"auth": map[string]any{
				"client_token":   "s.test-token",
				"policies":       b.policies,
				"lease_duration": 3600,
			},
		})
	})
	mux.HandleFunc("/v1/database/creds/", func(w http.ResponseWriter, r *http.Request) {
		b.credsCalls.Add(1)
		b.lastCredsRole.Store(r.URL.Path)
		if r.Header.Get("X-Vault-Token") != "s.test-token" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"errors": []string{"invalid token"}})
			return
		}
		if b.credsStatus != http.StatusOK {
			w.WriteHeader(b.credsStatus)
			json.NewEncoder(w).Encode(map[string]any{"errors": []string{"backend error"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"lease_duration": b.leaseSeconds,
			"data": map[string]any{
				"username": "v-jwt-alice-x7",
				"password": "A1b2-secret",
			},
		})
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func testIdentity(t *testing.T, subject string) *token.Identity {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"sub": subject, "aud": "products"})
	require.NoError(t, err)
	raw := "eyJhbGciOiJSUzI1NiJ9." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
	id, err := token.ParseUnverified(raw)
	require.NoError(t, err)
	return id
}

func newTestBroker(address string, maxTTL time.Duration) *Broker {
	b := NewBroker(Config{Address: address, MaxTTL: maxTTL})
	b.policy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	b.log = logger.NewWithWriter(logger.ComponentBroker, io.Discard, false)
	return b
}

func TestBrokerMintsCredential(t *testing.T) {
	backend := newFakeBackend(t)
	b := newTestBroker(backend.URL, time.Hour)

	cred, err := b.Broker(context.Background(), testIdentity(t, "alice"), policy.RoleReadOnly)
	require.NoError(t, err)

	assert.Equal(t, "v-jwt-alice-x7", cred.Username)
	assert.Equal(t, "A1b2-secret", cred.Password)
	assert.Equal(t, policy.RoleReadOnly, cred.Role)
	assert.Equal(t, 300*time.Second, cred.TTL)
	assert.Equal(t, "/v1/database/creds/readonly", backend.lastCredsRole.Load())
}

func TestBrokerCapsTTL(t *testing.T) {
	backend := newFakeBackend(t)
	backend.leaseSeconds = 7200 // backend offers 2h

	b := newTestBroker(backend.URL, 15*time.Minute)
	cred, err := b.Broker(context.Background(), testIdentity(t, "alice"), policy.RoleReadWrite)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cred.TTL, "lease must be capped client-side")
	assert.Equal(t, "/v1/database/creds/readwrite", backend.lastCredsRole.Load())
}

func TestBrokerLoginDeniedIsNotRetried(t *testing.T) {
	backend := newFakeBackend(t)
	backend.loginStatus = http.StatusForbidden

	b := newTestBroker(backend.URL, time.Hour)
	_, err := b.Broker(context.Background(), testIdentity(t, "alice"), policy.RoleReadOnly)
	require.ErrorIs(t, err, ErrBackendAuthDenied)
	assert.Equal(t, int32(1), backend.loginCalls.Load())
	assert.Equal(t, int32(0), backend.credsCalls.Load())
}

func TestBrokerPoliciesMustCoverRole(t *testing.T) {
	backend := newFakeBackend(t)
	backend.policies = []string{"default", "db-readonly"}

	b := newTestBroker(backend.URL, time.Hour)
	_, err := b.Broker(context.Background(), testIdentity(t, "alice"), policy.RoleReadWrite)
	require.ErrorIs(t, err, ErrBackendAuthDenied)
	assert.Equal(t, int32(0), backend.credsCalls.Load(), "creds must not be read when policies do not grant the role")
}

func TestBrokerRoleNotProvisioned(t *testing.T) {
	backend := newFakeBackend(t)
	backend.credsStatus = http.StatusNotFound

	b := newTestBroker(backend.URL, time.Hour)
	_, err := b.Broker(context.Background(), testIdentity(t, "alice"), policy.RoleReadOnly)
	require.ErrorIs(t, err, ErrRoleNotProvisioned)
}

func TestBrokerRetriesWhenUnreachable(t *testing.T) {
	backend := newFakeBackend(t)
	backend.loginStatus = http.StatusBadGateway

	b := newTestBroker(backend.URL, time.Hour)
	_, err := b.Broker(context.Background(), testIdentity(t, "alice"), policy.RoleReadOnly)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(3), backend.loginCalls.Load())
}

func TestCredentialExpiry(t *testing.T) {
	issued := time.Now()
	cred := &Credential{Username: "u", Password: "p", TTL: time.Minute, IssuedAt: issued}

	assert.False(t, cred.Expired(issued.Add(30*time.Second)))
	assert.True(t, cred.Expired(issued.Add(2*time.Minute)))
	assert.Equal(t, issued.Add(time.Minute), cred.ExpiresAt())
}

func TestCredentialLogRedactsSecret(t *testing.T) {
	cred := &Credential{
		Username: "v-jwt-alice-x7",
		Password: "super-secret-password",
		Role:     policy.RoleReadOnly,
		TTL:      time.Minute,
		IssuedAt: time.Now(),
	}

	logged := fmt.Sprintf("%v", cred.LogValue())
	assert.NotContains(t, logged, "super-secret-password")
	assert.Contains(t, logged, "v-jwt-alice-x7")
}

func TestBrokerLogsOmitSecrets(t *testing.T) {
	backend := newFakeBackend(t)
	b := newTestBroker(backend.URL, time.Hour)
	var logs bytes.Buffer
	b.log = logger.NewWithWriter(logger.ComponentBroker, &logs, false)

	id := testIdentity(t, "alice")
	cred, err := b.Broker(context.Background(), id, policy.RoleReadOnly)
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "readonly")
	assert.NotContains(t, out, cred.Password)
	assert.NotContains(t, out, id.Raw)
}
