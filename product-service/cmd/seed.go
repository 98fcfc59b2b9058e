package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/redhat-et/delegated-secrets-demo/pkg/config"
	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
	"github.com/redhat-et/delegated-secrets-demo/pkg/products"
)

var seedIfEmpty bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the products table and seed the sample catalog",
	Long: `Create the products table and populate it with the sample catalog.

The seed command is the only code path that uses a static admin credential
(database.admin_dsn); at runtime every connection uses a short-lived
credential brokered from Vault. It's typically run as an init container in
Kubernetes.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().BoolVar(&seedIfEmpty, "if-empty", false, "Only seed if the catalog is empty")
}

// sampleCatalog returns the default demo products.
func sampleCatalog() []products.Product {
	return []products.Product{
		{Name: "Laptop", Price: 1299.99},
		{Name: "Wireless Mouse", Price: 29.99},
		{Name: "Mechanical Keyboard", Price: 149.99},
	}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS products (
    id    TEXT PRIMARY KEY,
    name  TEXT NOT NULL UNIQUE,
    price DOUBLE PRECISION NOT NULL
)`

func runSeed(cmd *cobra.Command, args []string) error {
	var cfg Config
	if err := config.Load(v, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.ComponentProductSvc)

	if cfg.Database.AdminDSN == "" {
		return errors.New("database.admin_dsn is required for seeding")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.Database.AdminDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create products table: %w", err)
	}
	log.Info("Products table ready")

	if seedIfEmpty {
		var count int
		if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&count); err != nil {
			return fmt.Errorf("failed to check catalog: %w", err)
		}
		if count > 0 {
			log.Info("Catalog is not empty, skipping seed (--if-empty flag)", "count", count)
			return nil
		}
	}

	catalog := sampleCatalog()
	log.Section("SEEDING CATALOG")
	log.Info("Seeding sample products", "count", len(catalog))

	for _, p := range catalog {
		tag, err := conn.Exec(ctx,
			`INSERT INTO products (id, name, price) VALUES ($1, $2, $3)
			 ON CONFLICT (name) DO NOTHING`,
			uuid.NewString(), p.Name, p.Price)
		if err != nil {
			return fmt.Errorf("failed to seed %s: %w", p.Name, err)
		}
		if tag.RowsAffected() == 0 {
			log.Info("Product already present", "name", p.Name)
			continue
		}
		log.Info("Seeded product", "name", p.Name, "price", p.Price)
	}

	log.Info("Seeding complete", "products", len(catalog))
	return nil
}
