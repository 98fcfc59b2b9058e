package products

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redhat-et/delegated-secrets-demo/pkg/policy"
	"github.com/redhat-et/delegated-secrets-demo/pkg/vault"
)

func TestMemoryStoreSeededCatalog(t *testing.T) {
	s := NewMemoryStore()

	list, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 3)

	// Sorted by name.
	assert.Equal(t, "Laptop", list[0].Name)
	assert.Equal(t, "Mechanical Keyboard", list[1].Name)
	assert.Equal(t, "Wireless Mouse", list[2].Name)
	assert.InDelta(t, 1299.99, list[0].Price, 0.001)
}

func TestMemoryStoreListLimit(t *testing.T) {
	s := NewMemoryStore()

	list, err := s.List(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewEmptyMemoryStore()

	created, err := s.Create(ctx, Product{Name: "Gaming Headset", Price: 199.99})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Gaming Headset", got.Name)

	updated, err := s.Update(ctx, created.ID, Product{Name: "Gaming Headset Pro", Price: 249.99})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Gaming Headset Pro", updated.Name)

	require.NoError(t, s.Delete(ctx, created.ID))
	_, err = s.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsDuplicateNames(t *testing.T) {
	ctx := context.Background()
	s := NewEmptyMemoryStore()

	_, err := s.Create(ctx, Product{Name: "Laptop", Price: 1.0})
	require.NoError(t, err)

	_, err = s.Create(ctx, Product{Name: "laptop", Price: 2.0})
	assert.ErrorIs(t, err, ErrDuplicateName)

	other, err := s.Create(ctx, Product{Name: "Desk", Price: 3.0})
	require.NoError(t, err)
	_, err = s.Update(ctx, other.ID, Product{Name: "LAPTOP", Price: 4.0})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestMemoryStoreRejectsEmptyNames(t *testing.T) {
	ctx := context.Background()
	s := NewEmptyMemoryStore()

	_, err := s.Create(ctx, Product{Price: 1.0})
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = s.SearchByName(ctx, "", false)
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestMemoryStoreSearch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	exact, err := s.SearchByName(ctx, "laptop", true)
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.Equal(t, "Laptop", exact[0].Name)

	substr, err := s.SearchByName(ctx, "key", false)
	require.NoError(t, err)
	require.Len(t, substr, 1)
	assert.Equal(t, "Mechanical Keyboard", substr[0].Name)

	none, err := s.SearchByName(ctx, "monitor", false)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryConnectorRejectsExpiredCredential(t *testing.T) {
	c := NewMemoryConnector(NewMemoryStore())

	expired := &vault.Credential{
		Username: "u",
		Password: "p",
		Role:     policy.RoleReadOnly,
		TTL:      time.Minute,
		IssuedAt: time.Now().Add(-time.Hour),
	}

	err := c.WithConnection(context.Background(), expired, func(ctx context.Context, s Store) error {
		t.Fatal("store must not be reachable with an expired credential")
		return nil
	})
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestMemoryConnectorRunsWithLiveCredential(t *testing.T) {
	c := NewMemoryConnector(NewMemoryStore())

	live := &vault.Credential{
		Username: "u",
		Password: "p",
		Role:     policy.RoleReadOnly,
		TTL:      time.Hour,
		IssuedAt: time.Now(),
	}

	var n int
	err := c.WithConnection(context.Background(), live, func(ctx context.Context, s Store) error {
		list, err := s.List(ctx, 0)
		n = len(list)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
