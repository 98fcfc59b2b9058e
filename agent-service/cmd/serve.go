package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/redhat-et/delegated-secrets-demo/pkg/archive"
	"github.com/redhat-et/delegated-secrets-demo/pkg/audit"
	"github.com/redhat-et/delegated-secrets-demo/pkg/chain"
	"github.com/redhat-et/delegated-secrets-demo/pkg/config"
	"github.com/redhat-et/delegated-secrets-demo/pkg/delegation"
	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
	"github.com/redhat-et/delegated-secrets-demo/pkg/products"
	"github.com/redhat-et/delegated-secrets-demo/pkg/telemetry"
	"github.com/redhat-et/delegated-secrets-demo/pkg/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent service",
	Long:  `Start the agent service on the configured port.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("downstream-url", "http://localhost:8082", "Product service URL")
	v.BindPFlag("delegation.downstream_url", serveCmd.Flags().Lookup("downstream-url"))
}

type Config struct {
	config.CommonConfig `mapstructure:",squash"`
	Delegation          config.DelegationConfig `mapstructure:"delegation"`
	Archive             config.ArchiveConfig    `mapstructure:"archive"`
}

// AgentService forwards catalog operations through the delegation chain.
type AgentService struct {
	handler  *chain.Handler
	recorder *audit.Recorder
	log      *logger.Logger
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg Config
	if err := config.Load(v, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.ComponentAgentSvc)
	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:       "agent-service",
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

	exchangeCfg := delegation.Config{
		TokenURL:     cfg.Delegation.TokenURL,
		ClientID:     cfg.Delegation.ClientID,
		ClientSecret: cfg.Delegation.ClientSecret,
	}
	if err := exchangeCfg.Validate(); err != nil {
		return fmt.Errorf("invalid delegation config: %w", err)
	}
	exchanger := delegation.NewExchanger(exchangeCfg)

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

	downstream := chain.NewHTTPDownstream(cfg.Delegation.DownstreamURL, 15*time.Second)
	handler := chain.NewForwarding("agent-service", validator, exchanger, downstream,
		cfg.Delegation.DownstreamAudience, cfg.Delegation.Scopes, recorder, log)

	svc := &AgentService{
		handler:  handler,
		recorder: recorder,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", svc.handleHealth)
	mux.HandleFunc("/api/products", svc.handleProducts)
	mux.HandleFunc("/api/products/", svc.handleProductRoutes)

	server := &http.Server{
		Addr:         cfg.Service.Addr(),
		Handler:      telemetry.WrapHandler(chain.CorrelationMiddleware(mux), "agent-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down agent service...")
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

	log.Section("STARTING AGENT SERVICE")
	log.Info("Agent Service starting", "addr", cfg.Service.Addr())
	log.Info("Health server starting", "addr", cfg.Service.HealthAddr())
	log.Info("Token issuer", "url", cfg.JWT.IssuerURL)
	log.Info("Expected audience", "audience", cfg.JWT.ExpectedAudience)
	log.Info("Downstream audience", "audience", cfg.Delegation.DownstreamAudience)
	log.Info("Product service", "url", cfg.Delegation.DownstreamURL)

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
	log.Info("Agent service stopped")
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

func (s *AgentService) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleProducts serves the collection routes: list and create.
func (s *AgentService) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		op := chain.Operation{Kind: chain.OpList}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			op.Limit = n
		}
		s.run(w, r, op)
	case http.MethodPost:
		var p products.Product
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		s.run(w, r, chain.Operation{Kind: chain.OpCreate, Product: &p})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleProductRoutes serves /api/products/search and /api/products/{id}.
func (s *AgentService) handleProductRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/products/")
	if path == "" || strings.Contains(path, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if path == "search" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "name query parameter is required")
			return
		}
		exact := r.URL.Query().Get("exact") == "true"
		s.run(w, r, chain.Operation{Kind: chain.OpSearch, Name: name, ExactMatch: exact})
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.run(w, r, chain.Operation{Kind: chain.OpGet, ProductID: path})
	case http.MethodPut:
		var p products.Product
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		s.run(w, r, chain.Operation{Kind: chain.OpUpdate, ProductID: path, Product: &p})
	case http.MethodDelete:
		s.run(w, r, chain.Operation{Kind: chain.OpDelete, ProductID: path})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAuditQuery exposes the per-correlation audit trail on the internal
// health port: GET /audit/{correlation_id}.
func (s *AgentService) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
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

// run pushes one operation through the delegation chain and writes the
// result or the mapped error status.
func (s *AgentService) run(w http.ResponseWriter, r *http.Request, op chain.Operation) {
	rawToken, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	result, err := s.handler.Handle(r.Context(), rawToken, op)
	if err != nil {
		writeError(w, chain.HTTPStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case result.Product != nil:
		if op.Kind == chain.OpCreate {
			w.WriteHeader(http.StatusCreated)
		}
		json.NewEncoder(w).Encode(result.Product)
	case result.Deleted:
		w.WriteHeader(http.StatusNoContent)
	default:
		if result.Products == nil {
			result.Products = []products.Product{}
		}
		json.NewEncoder(w).Encode(result.Products)
	}
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
