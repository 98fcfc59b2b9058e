package products

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redhat-et/delegated-secrets-demo/pkg/vault"
)

// MemoryStore is an in-memory catalog for local development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]Product
	maxResults int
}

// NewMemoryStore creates a store seeded with the demo catalog.
func NewMemoryStore() *MemoryStore {
	s := NewEmptyMemoryStore()
	for _, p := range []Product{
		{Name: "Laptop", Price: 1299.99},
		{Name: "Wireless Mouse", Price: 29.99},
		{Name: "Mechanical Keyboard", Price: 149.99},
	} {
		p.ID = uuid.NewString()
		s.byID[p.ID] = p
	}
	return s
}

// NewEmptyMemoryStore creates an empty store (for testing).
func NewEmptyMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]Product),
		maxResults: DefaultMaxResults,
	}
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > s.maxResults {
		limit = s.maxResults
	}
	out := s.sorted()
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &p, nil
}

func (s *MemoryStore) SearchByName(ctx context.Context, name string, exact bool) ([]Product, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(name)
	var out []Product
	for _, p := range s.sorted() {
		hay := strings.ToLower(p.Name)
		if exact && hay == needle {
			out = append(out, p)
		}
		if !exact && strings.Contains(hay, needle) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, p Product) (*Product, error) {
	if p.Name == "" {
		return nil, ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if strings.EqualFold(existing.Name, p.Name) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
	}
	p.ID = uuid.NewString()
	s.byID[p.ID] = p
	return &p, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, p Product) (*Product, error) {
	if p.Name == "" {
		return nil, ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for existingID, existing := range s.byID {
		if existingID != id && strings.EqualFold(existing.Name, p.Name) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
	}
	p.ID = id
	s.byID[id] = p
	return &p, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.byID, id)
	return nil
}

// sorted returns products ordered by name; callers hold the lock.
func (s *MemoryStore) sorted() []Product {
	out := make([]Product, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MemoryConnector serves a MemoryStore behind the Connector contract,
// enforcing the same credential-expiry rule as the Postgres connector.
type MemoryConnector struct {
	store *MemoryStore
}

// NewMemoryConnector wraps the given store.
func NewMemoryConnector(store *MemoryStore) *MemoryConnector {
	return &MemoryConnector{store: store}
}

func (c *MemoryConnector) WithConnection(ctx context.Context, cred *vault.Credential, fn func(ctx context.Context, s Store) error) error {
	if cred.Expired(time.Now()) {
		return fmt.Errorf("%w: lease ended at %s", ErrCredentialExpired, cred.ExpiresAt().UTC().Format(time.RFC3339))
	}
	return fn(ctx, c.store)
}
