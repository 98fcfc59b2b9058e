package policy

import "slices"

// Resolver computes the access role for a set of group claims.
type Resolver interface {
	Resolve(groups []string) (Role, error)
}

// Mapping binds one group name to the role its members receive.
type Mapping struct {
	Group string `mapstructure:"group"`
	Role  Role
}

// StaticResolver resolves roles from an ordered mapping table. Mappings are
// evaluated in privilege order (read-write before read-only) regardless of
// construction order.
type StaticResolver struct {
	mappings []Mapping
}

// NewStaticResolver builds a resolver from the given mappings, sorted from
// highest privilege to lowest.
func NewStaticResolver(mappings ...Mapping) *StaticResolver {
	sorted := slices.Clone(mappings)
	slices.SortStableFunc(sorted, func(a, b Mapping) int {
		return int(b.Role) - int(a.Role)
	})
	return &StaticResolver{mappings: sorted}
}

// NewDefaultResolver maps the stock ReadWrite and ReadOnly groups.
func NewDefaultResolver() *StaticResolver {
	return NewStaticResolver(
		Mapping{Group: "ReadWrite", Role: RoleReadWrite},
		Mapping{Group: "ReadOnly", Role: RoleReadOnly},
	)
}

// Resolve returns the highest-privilege role whose group appears in groups.
// No I/O, no default role: an unmapped subject gets ErrNoMatchingPolicy.
func (r *StaticResolver) Resolve(groups []string) (Role, error) {
	for _, m := range r.mappings {
		if slices.Contains(groups, m.Group) {
			return m.Role, nil
		}
	}
	return 0, ErrNoMatchingPolicy
}
