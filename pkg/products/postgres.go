package products

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/redhat-et/delegated-secrets-demo/pkg/vault"
)

// DefaultMaxResults bounds list and search responses.
const DefaultMaxResults = 100

// PostgresConfig locates the products database. Credentials are not part of
// the config: every connection authenticates with a freshly brokered login.
type PostgresConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Database   string `mapstructure:"database"`
	SSLMode    string `mapstructure:"ssl_mode"`
	MaxResults int    `mapstructure:"max_results"`
}

// PostgresConnector opens one pgx connection per brokered credential.
type PostgresConnector struct {
	cfg PostgresConfig
}

// NewPostgresConnector creates a connector for the configured database.
func NewPostgresConnector(cfg PostgresConfig) *PostgresConnector {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "prefer"
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	return &PostgresConnector{cfg: cfg}
}

// WithConnection dials with the credential, runs fn, and closes the
// connection regardless of exit path. There is no pool: the connection
// belongs to this request's identity alone.
func (c *PostgresConnector) WithConnection(ctx context.Context, cred *vault.Credential, fn func(ctx context.Context, s Store) error) error {
	if cred.Expired(time.Now()) {
		return fmt.Errorf("%w: lease ended at %s", ErrCredentialExpired, cred.ExpiresAt().UTC().Format(time.RFC3339))
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cred.Username, cred.Password, c.cfg.Host, c.cfg.Port, c.cfg.Database, c.cfg.SSLMode)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgerrcode.IsInvalidAuthorizationSpecification(pgErr.Code) {
			// The dynamic login was already revoked by the backend.
			return fmt.Errorf("%w: %v", ErrCredentialExpired, err)
		}
		return &ConnectionRefusedError{Err: err}
	}
	defer conn.Close(ctx)

	return fn(ctx, &postgresStore{conn: conn, maxResults: c.cfg.MaxResults})
}

// postgresStore executes catalog operations over a single connection.
type postgresStore struct {
	conn       *pgx.Conn
	maxResults int
}

func (s *postgresStore) List(ctx context.Context, limit int) ([]Product, error) {
	if limit <= 0 || limit > s.maxResults {
		limit = s.maxResults
	}
	rows, err := s.conn.Query(ctx,
		`SELECT id, name, price FROM products ORDER BY name LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return scanProducts(rows)
}

func (s *postgresStore) Get(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := s.conn.QueryRow(ctx,
		`SELECT id, name, price FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

func (s *postgresStore) SearchByName(ctx context.Context, name string, exact bool) ([]Product, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	query := `SELECT id, name, price FROM products WHERE name ILIKE '%' || $1 || '%' ORDER BY name LIMIT $2`
	if exact {
		query = `SELECT id, name, price FROM products WHERE lower(name) = lower($1) ORDER BY name LIMIT $2`
	}
	rows, err := s.conn.Query(ctx, query, name, s.maxResults)
	if err != nil {
		return nil, fmt.Errorf("failed to search products: %w", err)
	}
	return scanProducts(rows)
}

func (s *postgresStore) Create(ctx context.Context, p Product) (*Product, error) {
	if p.Name == "" {
		return nil, ErrEmptyName
	}
	p.ID = uuid.NewString()
	_, err := s.conn.Exec(ctx,
		`INSERT INTO products (id, name, price) VALUES ($1, $2, $3)`,
		p.ID, p.Name, p.Price)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return &p, nil
}

func (s *postgresStore) Update(ctx context.Context, id string, p Product) (*Product, error) {
	if p.Name == "" {
		return nil, ErrEmptyName
	}
	tag, err := s.conn.Exec(ctx,
		`UPDATE products SET name = $2, price = $3 WHERE id = $1`,
		id, p.Name, p.Price)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.ID = id
	return &p, nil
}

func (s *postgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.conn.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanProducts(rows pgx.Rows) ([]Product, error) {
	defer rows.Close()
	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price); err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read product rows: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
