// Package delegation implements RFC 8693 on-behalf-of token exchange: given
// a validated inbound token, it obtains a new token scoped to a downstream
// audience that still represents the original subject. The exchanger is
// hop-agnostic and can be chained to arbitrary depth.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
	"github.com/redhat-et/delegated-secrets-demo/pkg/retry"
	"github.com/redhat-et/delegated-secrets-demo/pkg/token"
)

// Token type URNs from RFC 8693
const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

// Config holds the exchanger's own client credentials and token endpoint.
type Config struct {
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Timeout      time.Duration
}

// Validate checks that the configuration is complete.
func (c Config) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("delegation token_url is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("delegation client_id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("delegation client_secret is required")
	}
	return nil
}

// Exchanger performs on-behalf-of token exchanges against an OAuth2 token
// endpoint, authenticating with its own client credentials.
type Exchanger struct {
	cfg        Config
	httpClient *http.Client
	policy     retry.Policy
	log        *logger.Logger
}

// NewExchanger creates an exchanger for the configured token endpoint.
func NewExchanger(cfg Config) *Exchanger {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Exchanger{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.DefaultPolicy,
		log:        logger.New(logger.ComponentExchange),
	}
}

// exchangeResponse represents the token endpoint response.
type exchangeResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	IssuedTokenType string `json:"issued_token_type"`

	// Error fields (present on failure)
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Exchange presents subject's token as an assertion and requests a new token
// for downstreamAudience with the given scopes. Transport failures are
// retried with bounded backoff; a provider rejection is surfaced immediately
// as ErrDelegationDenied. The returned identity carries the new raw token
// and is marked Delegated.
func (e *Exchanger) Exchange(ctx context.Context, subject *token.Identity, downstreamAudience string, scopes []string) (*token.Identity, error) {
	e.log.Flow(logger.DirectionOutgoing, "Exchanging token on behalf of subject",
		"subject", subject.Subject, "audience", downstreamAudience)

	body := url.Values{}
	body.Set("grant_type", GrantTypeTokenExchange)
	body.Set("subject_token", subject.Raw)
	body.Set("subject_token_type", TokenTypeAccessToken)
	body.Set("audience", downstreamAudience)
	body.Set("requested_token_type", TokenTypeAccessToken)
	if len(scopes) > 0 {
		body.Set("scope", strings.Join(scopes, " "))
	}
	body.Set("client_id", e.cfg.ClientID)
	body.Set("client_secret", e.cfg.ClientSecret)

	var exchanged exchangeResponse
	err := retry.Do(ctx, e.policy, IsRetryable, func(ctx context.Context) error {
		resp, err := e.post(ctx, body)
		if err != nil {
			return err
		}
		exchanged = resp
		return nil
	})
	if err != nil {
		e.log.Deny("Token exchange failed", "subject", subject.Subject, "audience", downstreamAudience, "error", err)
		return nil, err
	}

	delegated, err := token.ParseUnverified(exchanged.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable token returned: %v", ErrDelegationDenied, err)
	}

	// Defensive check against confused-deputy regressions: the provider is
	// contracted to preserve the subject across the exchange.
	if delegated.Subject != subject.Subject {
		e.log.Deny("Exchanged token carries a different subject",
			"expected", subject.Subject, "got", delegated.Subject)
		return nil, fmt.Errorf("%w: got %q, expected %q", ErrIdentityLeak, delegated.Subject, subject.Subject)
	}

	delegated.Delegated = true
	e.log.Success("Token exchanged", "subject", delegated.Subject, "audience", downstreamAudience)
	return delegated, nil
}

func (e *Exchanger) post(ctx context.Context, body url.Values) (exchangeResponse, error) {
	var out exchangeResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL, strings.NewReader(body.Encode()))
	if err != nil {
		return out, fmt.Errorf("failed to build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return out, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return out, &NetworkError{Err: fmt.Errorf("token endpoint returned status %d", resp.StatusCode)}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, &NetworkError{Err: err}
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("%w: unparseable token endpoint response", ErrDelegationDenied)
	}

	if resp.StatusCode != http.StatusOK || out.Error != "" {
		if out.Error != "" {
			return out, fmt.Errorf("%w: %s: %s", ErrDelegationDenied, out.Error, out.ErrorDescription)
		}
		return out, fmt.Errorf("%w: token endpoint returned status %d", ErrDelegationDenied, resp.StatusCode)
	}
	if out.AccessToken == "" {
		return out, fmt.Errorf("%w: access_token not found in response", ErrDelegationDenied)
	}
	return out, nil
}
