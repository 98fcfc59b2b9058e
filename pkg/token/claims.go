package token

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Identity is a validated bearer token with its claims parsed. It is
// request-scoped: created by Validator.Validate or by a delegation exchange,
// never mutated, and discarded when the request completes.
type Identity struct {
	Subject  string
	Username string
	Name     string
	Email    string
	Issuer   string
	Audience []string
	Groups   []string

	ExpiresAt time.Time
	IssuedAt  time.Time

	// Delegated marks a token obtained through an on-behalf-of exchange,
	// as opposed to one issued directly at login.
	Delegated bool

	// Raw is the compact serialization, kept so the token can be presented
	// downstream (exchange assertion, secrets-backend login).
	Raw string

	// Extra holds claims the system does not interpret, preserved opaquely.
	Extra map[string]json.RawMessage
}

// HasAudience reports whether aud appears in the token's audience claim.
func (id *Identity) HasAudience(aud string) bool {
	return slices.Contains(id.Audience, aud)
}

// wireClaims is the JSON shape of the claims we inspect.
type wireClaims struct {
	Subject           string   `json:"sub"`
	PreferredUsername string   `json:"preferred_username"`
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	Issuer            string   `json:"iss"`
	Audience          audience `json:"aud"`
	Groups            []string `json:"groups"`
	ExpiresAt         int64    `json:"exp"`
	IssuedAt          int64    `json:"iat"`
}

// interpretedClaims are stripped from the Extra passthrough map.
var interpretedClaims = []string{
	"sub", "preferred_username", "name", "email", "iss", "aud", "groups", "exp", "iat",
}

// audience handles both string and []string forms of the "aud" claim
type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	// Try string first
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = audience{s}
		return nil
	}
	// Try []string
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("aud claim is neither string nor array: %w", err)
	}
	*a = audience(arr)
	return nil
}

// parseIdentity builds an Identity from a verified claims payload.
func parseIdentity(raw string, payload []byte) (*Identity, error) {
	var claims wireClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}

	extra := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &extra); err != nil {
		return nil, fmt.Errorf("failed to parse token payload: %w", err)
	}
	for _, k := range interpretedClaims {
		delete(extra, k)
	}

	id := &Identity{
		Subject:  claims.Subject,
		Username: claims.PreferredUsername,
		Name:     claims.Name,
		Email:    claims.Email,
		Issuer:   claims.Issuer,
		Audience: claims.Audience,
		Groups:   claims.Groups,
		Raw:      raw,
		Extra:    extra,
	}
	if claims.ExpiresAt > 0 {
		id.ExpiresAt = time.Unix(claims.ExpiresAt, 0)
	}
	if claims.IssuedAt > 0 {
		id.IssuedAt = time.Unix(claims.IssuedAt, 0)
	}
	return id, nil
}
