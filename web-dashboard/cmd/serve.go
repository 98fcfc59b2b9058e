package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/redhat-et/delegated-secrets-demo/pkg/auth"
	"github.com/redhat-et/delegated-secrets-demo/pkg/chain"
	"github.com/redhat-et/delegated-secrets-demo/pkg/config"
	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
	"github.com/redhat-et/delegated-secrets-demo/pkg/telemetry"
	"github.com/redhat-et/delegated-secrets-demo/web-dashboard/internal/assets"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web dashboard",
	Long:  `Start the web dashboard on the configured port.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("agent-service-url", "http://localhost:8081", "Agent service URL")
	v.BindPFlag("agent_service_url", serveCmd.Flags().Lookup("agent-service-url"))
}

type Config struct {
	config.CommonConfig `mapstructure:",squash"`
	OIDC                auth.OIDCConfig `mapstructure:"oidc"`
	AgentServiceURL     string          `mapstructure:"agent_service_url"`
	SecureCookies       bool            `mapstructure:"secure_cookies"`
}

// Dashboard handles the web dashboard
type Dashboard struct {
	templates       *template.Template
	httpClient      *http.Client
	oidc            *auth.OIDCProvider
	sessions        *auth.SessionStore
	agentServiceURL string
	secureCookies   bool
	log             *logger.Logger

	stateMu sync.Mutex
	states  map[string]time.Time
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg Config
	if err := config.Load(v, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.AgentServiceURL == "" {
		cfg.AgentServiceURL = "http://localhost:8081"
	}

	log := logger.New(logger.ComponentDashboard)
	ctx := context.Background()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:       "web-dashboard",
		Enabled:           cfg.OTel.Enabled,
		CollectorEndpoint: cfg.OTel.CollectorEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	oidcProvider, err := auth.NewOIDCProvider(ctx, cfg.OIDC)
	if err != nil {
		return fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	tmpl, err := template.ParseFS(assets.TemplatesFS, "templates/*.html")
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}

	dashboard := &Dashboard{
		templates: tmpl,
		httpClient: &http.Client{
			Transport: telemetry.WrapTransport(&chain.CorrelationTransport{}),
			Timeout:   30 * time.Second,
		},
		oidc:            oidcProvider,
		sessions:        auth.NewSessionStore(),
		agentServiceURL: cfg.AgentServiceURL,
		secureCookies:   cfg.SecureCookies,
		log:             log,
		states:          make(map[string]time.Time),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", dashboard.handleIndex)
	mux.HandleFunc("/health", dashboard.handleHealth)
	mux.HandleFunc("/login", dashboard.handleLogin)
	mux.HandleFunc("/callback", dashboard.handleCallback)
	mux.HandleFunc("/logout", dashboard.handleLogout)
	mux.HandleFunc("/api/me", dashboard.handleMe)
	mux.HandleFunc("/api/status", dashboard.handleStatus)
	mux.HandleFunc("/api/products", dashboard.handleProxy)
	mux.HandleFunc("/api/products/", dashboard.handleProxy)

	server := &http.Server{
		Addr:         cfg.Service.Addr(),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down web dashboard...")
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

	log.Section("STARTING WEB DASHBOARD")
	log.Info("Web Dashboard starting", "addr", cfg.Service.Addr())
	log.Info("OIDC issuer", "url", cfg.OIDC.IssuerURL)
	log.Info("Agent service", "url", cfg.AgentServiceURL)
	log.Info("Dashboard ready at", "url", fmt.Sprintf("http://localhost:%d", cfg.Service.Port))

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	log.Info("Web dashboard stopped")
	return nil
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := map[string]any{
		"Title": "Delegated Secrets Demo",
	}
	if session := d.sessions.FromRequest(r); session != nil {
		data["LoggedIn"] = true
		data["Username"] = session.Username
		data["Name"] = session.Name
		data["Groups"] = session.Groups
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		d.log.Error("Template execution failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleLogin starts the authorization-code flow.
func (d *Dashboard) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()

	d.stateMu.Lock()
	d.states[state] = time.Now().Add(10 * time.Minute)
	// Drop stale states while we hold the lock.
	for s, exp := range d.states {
		if time.Now().After(exp) {
			delete(d.states, s)
		}
	}
	d.stateMu.Unlock()

	http.Redirect(w, r, d.oidc.AuthCodeURL(state), http.StatusFound)
}

func (d *Dashboard) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	d.stateMu.Lock()
	exp, known := d.states[state]
	delete(d.states, state)
	d.stateMu.Unlock()

	if !known || time.Now().After(exp) {
		d.log.Deny("Login rejected: unknown or expired state")
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}

	oauth2Token, err := d.oidc.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		d.log.Error("Code exchange failed", "error", err)
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		d.log.Error("Token response missing id_token")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	idToken, err := d.oidc.Verify(r.Context(), rawIDToken)
	if err != nil {
		d.log.Error("ID token verification failed", "error", err)
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ExtractClaims(idToken)
	if err != nil {
		d.log.Error("Claim extraction failed", "error", err)
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	session, err := d.sessions.Create(claims, oauth2Token.AccessToken, oauth2Token.RefreshToken, rawIDToken)
	if err != nil {
		d.log.Error("Session creation failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	auth.SetCookie(w, session, d.secureCookies)

	d.log.Success("User logged in", "username", claims.PreferredUsername, "groups", claims.Groups)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (d *Dashboard) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session := d.sessions.FromRequest(r); session != nil {
		d.sessions.Delete(session.ID)
		d.log.Info("User logged out", "username", session.Username)
	}
	auth.ClearCookie(w)
	http.Redirect(w, r, d.oidc.LogoutURL(), http.StatusFound)
}

// handleMe returns the logged-in user's identity for the UI.
func (d *Dashboard) handleMe(w http.ResponseWriter, r *http.Request) {
	session := d.sessions.FromRequest(r)
	if session == nil {
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"subject":  session.Subject,
		"username": session.Username,
		"name":     session.Name,
		"email":    session.Email,
		"groups":   session.Groups,
	})
}

// handleProxy forwards catalog calls to the agent service with the user's
// own access token. The dashboard never holds service credentials for the
// catalog; the delegation chain starts from the user's identity.
func (d *Dashboard) handleProxy(w http.ResponseWriter, r *http.Request) {
	session := d.sessions.FromRequest(r)
	if session == nil {
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	url := d.agentServiceURL + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		d.log.Error("Failed to create upstream request", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	d.log.Flow(logger.DirectionOutgoing, "Forwarding catalog request",
		"method", r.Method, "path", r.URL.Path, "username", session.Username)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.log.Error("Agent service request failed", "error", err)
		http.Error(w, "Agent service unavailable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services := map[string]string{}
	resp, err := d.httpClient.Get(d.agentServiceURL + "/health")
	switch {
	case err != nil:
		services["agent-service"] = "offline"
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		services["agent-service"] = "healthy"
	default:
		resp.Body.Close()
		services["agent-service"] = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"services": services})
}
