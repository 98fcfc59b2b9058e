package products

import (
	"context"

	"github.com/redhat-et/delegated-secrets-demo/pkg/vault"
)

// Store is the set of catalog operations available over one connection.
type Store interface {
	// List returns up to limit products; limit <= 0 means the store default.
	List(ctx context.Context, limit int) ([]Product, error)
	// Get returns the product with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Product, error)
	// SearchByName matches case-insensitively, exactly or by substring.
	SearchByName(ctx context.Context, name string, exact bool) ([]Product, error)
	// Create inserts a product, rejecting duplicate names.
	Create(ctx context.Context, p Product) (*Product, error)
	// Update replaces the named fields of an existing product.
	Update(ctx context.Context, id string, p Product) (*Product, error)
	// Delete removes a product or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// Connector opens a connection with a brokered credential, runs fn over it,
// and releases the connection on every exit path. The connection serves
// exactly one request: pooling connections across end-user identities would
// quietly reintroduce the confused deputy this system exists to prevent.
type Connector interface {
	WithConnection(ctx context.Context, cred *vault.Credential, fn func(ctx context.Context, s Store) error) error
}
