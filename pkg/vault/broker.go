// Package vault brokers dynamic database credentials from an HCP Vault-style
// secrets backend. The broker logs in with the request's delegated identity
// token (the backend validates it independently of our own validator, so a
// single bypassed check can't mint credentials) and reads a time-boxed,
// role-scoped login from the database secrets engine.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
	"github.com/redhat-et/delegated-secrets-demo/pkg/policy"
	"github.com/redhat-et/delegated-secrets-demo/pkg/retry"
	"github.com/redhat-et/delegated-secrets-demo/pkg/token"
)

// Config holds the secrets backend location and lease bounds.
type Config struct {
	Address string `mapstructure:"address"`
	// AuthMount is the JWT auth method's mount path, e.g. "azure-jwt".
	AuthMount string `mapstructure:"auth_mount"`
	// AuthRole is the named role presented at login.
	AuthRole string `mapstructure:"auth_role"`
	// DatabaseMount is the database secrets engine's mount path.
	DatabaseMount string `mapstructure:"database_mount"`
	// MaxTTL caps the credential lease client-side, whatever lease the
	// backend reports.
	MaxTTL  time.Duration `mapstructure:"max_ttl"`
	Timeout time.Duration
}

// Validate checks that the configuration is complete.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("vault address is required")
	}
	return nil
}

// Broker mints dynamic credentials scoped to a resolved role.
type Broker struct {
	cfg        Config
	httpClient *http.Client
	policy     retry.Policy
	log        *logger.Logger
	now        func() time.Time
}

// Option customizes a Broker.
type Option func(*Broker)

// WithHTTPClient substitutes the HTTP client, letting services install
// header-injecting transports (correlation id propagation).
func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) { b.httpClient = c }
}

// NewBroker creates a broker for the configured backend.
func NewBroker(cfg Config, opts ...Option) *Broker {
	if cfg.AuthMount == "" {
		cfg.AuthMount = "jwt"
	}
	if cfg.AuthRole == "" {
		cfg.AuthRole = "default"
	}
	if cfg.DatabaseMount == "" {
		cfg.DatabaseMount = "database"
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	b := &Broker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.DefaultPolicy,
		log:        logger.New(logger.ComponentBroker),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// loginResponse is the JWT auth method's response shape.
type loginResponse struct {
	Auth struct {
		ClientToken   string   `json:"client_token"`
		Policies      []string `json:"policies"`
		LeaseDuration int      `json:"lease_duration"`
	} `json:"auth"`
	Errors []string `json:"errors"`
}

// credsResponse is the database secrets engine's response shape.
type credsResponse struct {
	LeaseDuration int `json:"lease_duration"`
	Data          struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"data"`
	Errors []string `json:"errors"`
}

// Broker authenticates with the identity token and requests a dynamic
// credential for role. The returned lease never exceeds the configured
// MaxTTL. Transport failures are retried with bounded backoff.
func (b *Broker) Broker(ctx context.Context, id *token.Identity, role policy.Role) (*Credential, error) {
	b.log.Flow(logger.DirectionOutgoing, "Requesting dynamic credential",
		"subject", id.Subject, "role", role.String())

	var cred *Credential
	err := retry.Do(ctx, b.policy, IsRetryable, func(ctx context.Context) error {
		c, err := b.broker(ctx, id, role)
		if err != nil {
			return err
		}
		cred = c
		return nil
	})
	if err != nil {
		b.log.Deny("Credential brokering failed", "subject", id.Subject, "role", role.String(), "error", err)
		return nil, err
	}
	b.log.Success("Credential minted", "subject", id.Subject, "role", role.String(), "ttl", cred.TTL)
	return cred, nil
}

func (b *Broker) broker(ctx context.Context, id *token.Identity, role policy.Role) (*Credential, error) {
	login, err := b.login(ctx, id)
	if err != nil {
		return nil, err
	}

	// The backend's own policy set must cover the resolved role; a token
	// whose policies grant neither tier cannot mint credentials at all.
	if !policiesCover(login.Auth.Policies, role) {
		return nil, fmt.Errorf("%w: backend policies %v do not grant role %q",
			ErrBackendAuthDenied, login.Auth.Policies, role)
	}

	return b.readCredential(ctx, login.Auth.ClientToken, role)
}

// policiesCover reports whether any backend policy name grants the role,
// matching by substring the way the backend names its database policies.
func policiesCover(policies []string, role policy.Role) bool {
	for _, p := range policies {
		if strings.Contains(strings.ToLower(p), role.String()) {
			return true
		}
	}
	return false
}

func (b *Broker) login(ctx context.Context, id *token.Identity) (*loginResponse, error) {
	loginURL := fmt.Sprintf("%s/v1/auth/%s/login", strings.TrimSuffix(b.cfg.Address, "/"), b.cfg.AuthMount)
	body, err := json.Marshal(map[string]string{
		"jwt":  id.Raw,
		"role": b.cfg.AuthRole,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode login request: %w", err)
	}

	var login loginResponse
	status, err := b.doJSON(ctx, http.MethodPost, loginURL, "", strings.NewReader(string(body)), &login)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK && login.Auth.ClientToken != "":
		return &login, nil
	case status == http.StatusBadRequest || status == http.StatusForbidden || status == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrBackendAuthDenied, strings.Join(login.Errors, "; "))
	default:
		return nil, &BackendUnreachableError{Err: fmt.Errorf("login returned status %d", status)}
	}
}

func (b *Broker) readCredential(ctx context.Context, clientToken string, role policy.Role) (*Credential, error) {
	credsURL := fmt.Sprintf("%s/v1/%s/creds/%s",
		strings.TrimSuffix(b.cfg.Address, "/"), b.cfg.DatabaseMount, role)

	var creds credsResponse
	status, err := b.doJSON(ctx, http.MethodGet, credsURL, clientToken, nil, &creds)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: role %q has no database role", ErrRoleNotProvisioned, role)
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrBackendAuthDenied, strings.Join(creds.Errors, "; "))
	default:
		return nil, &BackendUnreachableError{Err: fmt.Errorf("creds read returned status %d", status)}
	}

	if creds.Data.Username == "" || creds.Data.Password == "" {
		return nil, &BackendUnreachableError{Err: fmt.Errorf("creds response missing username or password")}
	}

	ttl := time.Duration(creds.LeaseDuration) * time.Second
	if ttl <= 0 || ttl > b.cfg.MaxTTL {
		ttl = b.cfg.MaxTTL
	}

	return &Credential{
		Username: creds.Data.Username,
		Password: creds.Data.Password,
		Role:     role,
		TTL:      ttl,
		IssuedAt: b.now(),
	}, nil
}

// doJSON issues a request and decodes the JSON body, returning the HTTP
// status. Transport errors come back as BackendUnreachableError.
func (b *Broker) doJSON(ctx context.Context, method, url, vaultToken string, body io.Reader, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build backend request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if vaultToken != "" {
		req.Header.Set("X-Vault-Token", vaultToken)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, &BackendUnreachableError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &BackendUnreachableError{Err: err}
	}
	if len(payload) > 0 {
		// Tolerate non-JSON error bodies; status drives the outcome.
		_ = json.Unmarshal(payload, out)
	}
	return resp.StatusCode, nil
}
