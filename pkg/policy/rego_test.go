package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The Rego resolver must agree with the static resolver on every decision.
func TestRegoResolverMatchesStatic(t *testing.T) {
	static := NewDefaultResolver()
	regoBased, err := NewRegoResolver([]string{"ReadWrite"}, []string{"ReadOnly"})
	require.NoError(t, err)

	cases := [][]string{
		{"ReadOnly"},
		{"ReadWrite"},
		{"ReadOnly", "ReadWrite"},
		{"Guest"},
		{},
		nil,
		{"Guest", "ReadOnly"},
	}
	for _, groups := range cases {
		wantRole, wantErr := static.Resolve(groups)
		gotRole, gotErr := regoBased.Resolve(groups)
		assert.Equal(t, wantRole, gotRole, "groups=%v", groups)
		assert.Equal(t, wantErr, gotErr, "groups=%v", groups)
	}
}

func TestRegoResolverCustomGroups(t *testing.T) {
	r, err := NewRegoResolver([]string{"editors"}, []string{"viewers"})
	require.NoError(t, err)

	role, err := r.Resolve([]string{"viewers", "editors"})
	require.NoError(t, err)
	assert.Equal(t, RoleReadWrite, role)

	_, err = r.Resolve([]string{"ReadWrite"})
	require.ErrorIs(t, err, ErrNoMatchingPolicy)
}
