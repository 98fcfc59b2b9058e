package vault

import (
	"log/slog"
	"time"

	"github.com/redhat-et/delegated-secrets-demo/pkg/policy"
)

// Credential is a dynamically generated, short-lived database login. It is
// minted per request, used to open exactly one connection, and then left to
// expire; it must never be persisted or written to logs.
type Credential struct {
	Username string
	Password string
	Role     policy.Role
	TTL      time.Duration
	IssuedAt time.Time
}

// ExpiresAt returns the instant the lease runs out.
func (c *Credential) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.TTL)
}

// Expired reports whether the lease has elapsed.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt())
}

// LogValue keeps the secret out of structured logs: only the username, role
// and TTL are loggable.
func (c *Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("role", c.Role.String()),
		slog.Duration("ttl", c.TTL),
	)
}
