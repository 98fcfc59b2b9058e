package token

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// testKeyPair holds an RSA key pair for signing test tokens.
type testKeyPair struct {
	privateKey *rsa.PrivateKey
	kid        string
}

func generateKeyPair(t *testing.T, kid string) *testKeyPair {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	return &testKeyPair{privateKey: privateKey, kid: kid}
}

// jwksServer serves whichever key pairs are currently installed, so tests
// can rotate keys under a running validator.
type jwksServer struct {
	*httptest.Server

	mu   sync.Mutex
	keys []*testKeyPair
	hits int
}

func newJWKSServer(t *testing.T, keys ...*testKeyPair) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hits++
		set := jose.JSONWebKeySet{}
		for _, kp := range s.keys {
			set.Keys = append(set.Keys, jose.JSONWebKey{
				Key:       &kp.privateKey.PublicKey,
				KeyID:     kp.kid,
				Algorithm: "RS256",
				Use:       "sig",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) rotate(keys ...*testKeyPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
}

func (s *jwksServer) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

// tokenBuilder provides a fluent API for building signed test JWTs.
type tokenBuilder struct {
	t          *testing.T
	keyPair    *testKeyPair
	subject    string
	username   string
	audience   []string
	groups     []string
	expiration time.Time
	issuedAt   time.Time
	issuer     string
}

func newTokenBuilder(t *testing.T, keyPair *testKeyPair) *tokenBuilder {
	t.Helper()
	return &tokenBuilder{
		t:          t,
		keyPair:    keyPair,
		subject:    "test-user",
		username:   "test-user",
		audience:   []string{"test-audience"},
		groups:     []string{},
		expiration: time.Now().Add(time.Hour),
		issuedAt:   time.Now(),
		issuer:     "http://test-issuer",
	}
}

func (b *tokenBuilder) withSubject(sub string) *tokenBuilder {
	b.subject = sub
	return b
}

func (b *tokenBuilder) withUsername(username string) *tokenBuilder {
	b.username = username
	return b
}

func (b *tokenBuilder) withAudience(aud ...string) *tokenBuilder {
	b.audience = aud
	return b
}

func (b *tokenBuilder) withGroups(groups ...string) *tokenBuilder {
	b.groups = groups
	return b
}

func (b *tokenBuilder) withIssuer(iss string) *tokenBuilder {
	b.issuer = iss
	return b
}

// expired sets the token to have expired 1 hour ago.
func (b *tokenBuilder) expired() *tokenBuilder {
	b.expiration = time.Now().Add(-time.Hour)
	return b
}

type testClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Groups            []string `json:"groups,omitempty"`
}

func (b *tokenBuilder) build() string {
	b.t.Helper()

	claims := testClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   b.subject,
			Issuer:    b.issuer,
			Audience:  b.audience,
			ExpiresAt: jwt.NewNumericDate(b.expiration),
			IssuedAt:  jwt.NewNumericDate(b.issuedAt),
		},
		PreferredUsername: b.username,
		Groups:            b.groups,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = b.keyPair.kid

	tokenString, err := token.SignedString(b.keyPair.privateKey)
	if err != nil {
		b.t.Fatalf("Failed to sign token: %v", err)
	}
	return tokenString
}
