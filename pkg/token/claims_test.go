package token

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawWithPayload(t *testing.T, payload string) string {
	t.Helper()
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return "eyJhbGciOiJSUzI1NiJ9." + encoded + ".sig"
}

func TestParseIdentityAudienceString(t *testing.T) {
	raw := rawWithPayload(t, `{"sub":"alice","aud":"products","iss":"http://idp"}`)
	id, err := ParseUnverified(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"products"}, id.Audience)
	assert.True(t, id.HasAudience("products"))
}

func TestParseIdentityAudienceArray(t *testing.T) {
	raw := rawWithPayload(t, `{"sub":"alice","aud":["products","agent"]}`)
	id, err := ParseUnverified(raw)
	require.NoError(t, err)
	assert.True(t, id.HasAudience("agent"))
	assert.False(t, id.HasAudience("dashboard"))
}

func TestParseIdentityExtraClaims(t *testing.T) {
	raw := rawWithPayload(t, `{"sub":"alice","groups":["ReadOnly"],"tenant":"acme","azp":"web"}`)
	id, err := ParseUnverified(raw)
	require.NoError(t, err)

	// Interpreted claims are lifted into fields, everything else stays
	// opaque in Extra.
	assert.Equal(t, "alice", id.Subject)
	assert.NotContains(t, id.Extra, "sub")
	assert.NotContains(t, id.Extra, "groups")
	assert.Contains(t, id.Extra, "tenant")
	assert.Contains(t, id.Extra, "azp")
}
