package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/redhat-et/delegated-secrets-demo/pkg/archive"
	"github.com/redhat-et/delegated-secrets-demo/pkg/audit"
	"github.com/redhat-et/delegated-secrets-demo/pkg/chain"
	"github.com/redhat-et/delegated-secrets-demo/pkg/config"
	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
	"github.com/redhat-et/delegated-secrets-demo/pkg/policy"
	"github.com/redhat-et/delegated-secrets-demo/pkg/products"
	"github.com/redhat-et/delegated-secrets-demo/pkg/telemetry"
	"github.com/redhat-et/delegated-secrets-demo/pkg/token"
	"github.com/redhat-et/delegated-secrets-demo/pkg/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the product service",
	Long:  `Start the product service on the configured port.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("vault-address", "http://localhost:8200", "Vault address")
	v.BindPFlag("vault.address", serveCmd.Flags().Lookup("vault-address"))
}

type Config struct {
	config.CommonConfig `mapstructure:",squash"`
	Vault               vault.Config          `mapstructure:"vault"`
	Database            config.DatabaseConfig `mapstructure:"database"`
	Policy              config.PolicyConfig   `mapstructure:"policy"`
	Archive             config.ArchiveConfig  `mapstructure:"archive"`
}

// ProductService executes catalog operations at the end of the delegation
// chain.
type ProductService struct {
	handler  *chain.Handler
	recorder *audit.Recorder
	log      *logger.Logger
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg Config
	if err := config.Load(v, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.ComponentProductSvc)
	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:       "product-service",
		Enabled:           cfg.OTel.Enabled,
		CollectorEndpoint: cfg.OTel.CollectorEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	validator, err := newValidator(cfg.JWT)
	if err != nil {
		return err
	}
	jwksCtx, stopJWKS := context.WithCancel(ctx)
	defer stopJWKS()
	go validator.Run(jwksCtx)

	resolver, err := newResolver(cfg.Policy)
	if err != nil {
		return err
	}

	broker := vault.NewBroker(cfg.Vault)

	var connector products.Connector
	if cfg.Database.UseMemory {
		log.Info("Using in-memory product store")
		connector = products.NewMemoryConnector(products.NewMemoryStore())
	} else {
		connector = products.NewPostgresConnector(products.PostgresConfig{
			Host:       cfg.Database.Host,
			Port:       cfg.Database.Port,
			Database:   cfg.Database.Database,
			SSLMode:    cfg.Database.SSLMode,
			MaxResults: cfg.Database.MaxResults,
		})
	}

	recorderOpts := []audit.Option{}
	if cfg.Archive.Enabled {
		accessKey, secretKey := config.LoadArchiveCredentialsFromEnv()
		s3Archive, err := archive.NewS3Archive(ctx, archive.S3Config{
			BucketHost:      cfg.Archive.BucketHost,
			BucketPort:      cfg.Archive.BucketPort,
			BucketName:      cfg.Archive.BucketName,
			UseSSL:          cfg.Archive.UseSSL,
			Region:          cfg.Archive.Region,
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
		})
		if err != nil {
			return fmt.Errorf("failed to create audit archive: %w", err)
		}
		recorderOpts = append(recorderOpts, audit.WithArchive(s3Archive))
		log.Info("Audit archive enabled", "bucket", cfg.Archive.BucketName)
	}
	recorder := audit.NewRecorder(log, recorderOpts...)

	handler := chain.NewTerminal("product-service", validator, resolver, broker, connector, recorder, log)

	svc := &ProductService{
		handler:  handler,
		recorder: recorder,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", svc.handleHealth)
	mux.HandleFunc("/internal/execute", svc.handleExecute)

	server := &http.Server{
		Addr:         cfg.Service.Addr(),
		Handler:      telemetry.WrapHandler(chain.CorrelationMiddleware(mux), "product-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down product service...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Shutdown error", "error", err)
		}
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error("Telemetry shutdown error", "error", err)
		}
		close(done)
	}()

	log.Section("STARTING PRODUCT SERVICE")
	log.Info("Product Service starting", "addr", cfg.Service.Addr())
	log.Info("Health server starting", "addr", cfg.Service.HealthAddr())
	log.Info("Token issuer", "url", cfg.JWT.IssuerURL)
	log.Info("Expected audience", "audience", cfg.JWT.ExpectedAudience)
	log.Info("Vault address", "url", cfg.Vault.Address)
	log.Info("Policy mode", "mode", cfg.Policy.Mode)
	log.Info("Database", "host", cfg.Database.Host, "name", cfg.Database.Database, "in_memory", cfg.Database.UseMemory)

	// Separate plain HTTP health server for Kubernetes probes and metrics
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", svc.handleHealth)
	healthMux.HandleFunc("/ready", svc.handleHealth)
	healthMux.HandleFunc("/audit/", svc.handleAuditQuery)
	healthMux.Handle("/metrics", promhttp.Handler())
	healthServer := &http.Server{
		Addr:         cfg.Service.HealthAddr(),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Health server error", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	log.Info("Product service stopped")
	return nil
}

func newValidator(cfg config.JWTConfig) (*token.Validator, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("jwt.issuer_url is required")
	}
	if cfg.JWKSURL != "" {
		return token.NewValidator(cfg.JWKSURL, cfg.IssuerURL, cfg.ExpectedAudience), nil
	}
	return token.NewValidatorFromIssuer(cfg.IssuerURL, cfg.ExpectedAudience), nil
}

func newResolver(cfg config.PolicyConfig) (policy.Resolver, error) {
	switch cfg.Mode {
	case "rego":
		return policy.NewRegoResolver(cfg.ReadWriteGroups, cfg.ReadOnlyGroups)
	case "", "static":
		mappings := make([]policy.Mapping, 0, len(cfg.ReadWriteGroups)+len(cfg.ReadOnlyGroups))
		for _, g := range cfg.ReadWriteGroups {
			mappings = append(mappings, policy.Mapping{Group: g, Role: policy.RoleReadWrite})
		}
		for _, g := range cfg.ReadOnlyGroups {
			mappings = append(mappings, policy.Mapping{Group: g, Role: policy.RoleReadOnly})
		}
		return policy.NewStaticResolver(mappings...), nil
	default:
		return nil, fmt.Errorf("unknown policy mode %q", cfg.Mode)
	}
}

func (s *ProductService) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleExecute accepts one operation from the upstream hop and runs it
// through the terminal stages: resolve role, broker credential, access.
func (s *ProductService) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rawToken, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var op chain.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.handler.Handle(r.Context(), rawToken, op)
	if err != nil {
		writeError(w, chain.HTTPStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleAuditQuery exposes the per-correlation audit trail on the internal
// health port: GET /audit/{correlation_id}.
func (s *ProductService) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	corrID := strings.TrimPrefix(r.URL.Path, "/audit/")
	if corrID == "" {
		writeError(w, http.StatusBadRequest, "correlation id required")
		return
	}
	records := s.recorder.Query(corrID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return tok, tok != ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
