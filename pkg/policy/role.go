// Package policy maps a token's group claims to exactly one access role.
// Resolution is deterministic: mappings are checked from highest privilege
// to lowest, and a subject in several mapped groups gets the most permissive
// applicable role. A subject in no mapped group is denied, never defaulted.
package policy

import "errors"

// ErrNoMatchingPolicy is returned when no group claim matches a configured
// mapping. Callers must treat it as access denial.
var ErrNoMatchingPolicy = errors.New("no access policy matches the subject's groups")

// Role is a tiered access level. Roles are recomputed per request, never
// cached, since group membership may change between requests.
type Role int

const (
	RoleReadOnly Role = iota + 1
	RoleReadWrite
)

func (r Role) String() string {
	switch r {
	case RoleReadOnly:
		return "readonly"
	case RoleReadWrite:
		return "readwrite"
	default:
		return "unknown"
	}
}

// CanWrite reports whether the role permits mutating operations.
func (r Role) CanWrite() bool {
	return r == RoleReadWrite
}

// roleFromName maps the wire/database name back to a Role.
func roleFromName(name string) (Role, bool) {
	switch name {
	case "readonly":
		return RoleReadOnly, true
	case "readwrite":
		return RoleReadWrite, true
	default:
		return 0, false
	}
}
