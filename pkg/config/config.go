package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServiceConfig holds common service configuration
type ServiceConfig struct {
	Port       int    `mapstructure:"port"`
	HealthPort int    `mapstructure:"health_port"`
	Host       string `mapstructure:"host"`
	LogLevel   string `mapstructure:"log_level"`
}

// Addr returns the service listen address
func (c ServiceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HealthAddr returns the health/metrics listen address
func (c ServiceConfig) HealthAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HealthPort)
}

// JWTConfig holds inbound token validation configuration
type JWTConfig struct {
	IssuerURL        string `mapstructure:"issuer_url"`
	JWKSURL          string `mapstructure:"jwks_url"`
	ExpectedAudience string `mapstructure:"expected_audience"`
}

// DelegationConfig holds the on-behalf-of exchange configuration for hops
// that forward to a downstream tier.
type DelegationConfig struct {
	TokenURL           string   `mapstructure:"token_url"`
	ClientID           string   `mapstructure:"client_id"`
	ClientSecret       string   `mapstructure:"client_secret"`
	DownstreamAudience string   `mapstructure:"downstream_audience"`
	DownstreamURL      string   `mapstructure:"downstream_url"`
	Scopes             []string `mapstructure:"scopes"`
}

// DatabaseConfig locates the products database. Runtime credentials come
// from the broker; AdminDSN is only used by the seed command.
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Database   string `mapstructure:"database"`
	SSLMode    string `mapstructure:"ssl_mode"`
	MaxResults int    `mapstructure:"max_results"`
	AdminDSN   string `mapstructure:"admin_dsn"`
	UseMemory  bool   `mapstructure:"use_memory"`
}

// PolicyConfig holds the group-to-role mapping configuration
type PolicyConfig struct {
	// Mode selects the resolver: "static" or "rego".
	Mode            string   `mapstructure:"mode"`
	ReadWriteGroups []string `mapstructure:"readwrite_groups"`
	ReadOnlyGroups  []string `mapstructure:"readonly_groups"`
}

// ArchiveConfig holds S3-compatible audit archive configuration
type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BucketHost string `mapstructure:"bucket_host"`
	BucketPort int    `mapstructure:"bucket_port"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	Region     string `mapstructure:"region"`
}

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

// CommonConfig holds configuration common to all services
type CommonConfig struct {
	Service ServiceConfig `mapstructure:"service"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	OTel    OTelConfig    `mapstructure:"otel"`
}

// InitViper initializes Viper with common settings
func InitViper(serviceName string) *viper.Viper {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(fmt.Sprintf("./%s", serviceName))
	v.AddConfigPath("/etc/delegated-secrets-demo/")

	// Environment variable settings
	v.SetEnvPrefix("OBO_DEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v, serviceName)

	return v
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper, serviceName string) {
	// Service defaults
	v.SetDefault("service.host", "0.0.0.0")
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.health_port", 8180)
	v.SetDefault("service.log_level", "info")

	// Delegation defaults
	v.SetDefault("delegation.scopes", []string{"openid", "profile"})

	// Vault defaults
	v.SetDefault("vault.auth_mount", "jwt")
	v.SetDefault("vault.auth_role", "default")
	v.SetDefault("vault.database_mount", "database")
	v.SetDefault("vault.max_ttl", "24h")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "products_db")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_results", 100)
	v.SetDefault("database.use_memory", false)

	// Policy defaults
	v.SetDefault("policy.mode", "static")
	v.SetDefault("policy.readwrite_groups", []string{"ReadWrite"})
	v.SetDefault("policy.readonly_groups", []string{"ReadOnly"})

	// Archive defaults (disabled by default for local development)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket_host", "localhost")
	v.SetDefault("archive.bucket_port", 9000)
	v.SetDefault("archive.bucket_name", "audit-trails")
	v.SetDefault("archive.use_ssl", false)
	v.SetDefault("archive.region", "us-east-1")

	// OTel defaults
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.collector_endpoint", "")
}

// Load reads the configuration from file and environment
func Load(v *viper.Viper, cfg any) error {
	// Support standard PORT/HOST env vars used by container platforms
	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			v.Set("service.port", port)
		}
	}
	if host := os.Getenv("HOST"); host != "" {
		v.Set("service.host", host)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// BindFlags binds common CLI flags to Viper
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.PersistentFlags().IntP("port", "p", 0, "Port to listen on")
	cmd.PersistentFlags().String("host", "", "Host to bind to")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("jwt-issuer-url", "", "Expected token issuer URL")
	cmd.PersistentFlags().String("jwt-jwks-url", "", "JWKS endpoint (derived from issuer if empty)")
	cmd.PersistentFlags().String("jwt-expected-audience", "", "Expected token audience")
	cmd.PersistentFlags().Bool("otel-enabled", false, "Enable OpenTelemetry tracing")
	cmd.PersistentFlags().String("otel-collector-endpoint", "", "OpenTelemetry collector gRPC endpoint (e.g. localhost:4317)")

	v.BindPFlag("service.port", cmd.PersistentFlags().Lookup("port"))
	v.BindPFlag("service.host", cmd.PersistentFlags().Lookup("host"))
	v.BindPFlag("service.log_level", cmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("jwt.issuer_url", cmd.PersistentFlags().Lookup("jwt-issuer-url"))
	v.BindPFlag("jwt.jwks_url", cmd.PersistentFlags().Lookup("jwt-jwks-url"))
	v.BindPFlag("jwt.expected_audience", cmd.PersistentFlags().Lookup("jwt-expected-audience"))
	v.BindPFlag("otel.enabled", cmd.PersistentFlags().Lookup("otel-enabled"))
	v.BindPFlag("otel.collector_endpoint", cmd.PersistentFlags().Lookup("otel-collector-endpoint"))
}

// LoadArchiveCredentialsFromEnv returns the archive's static credentials.
// They live only in the environment so they never land in config files.
func LoadArchiveCredentialsFromEnv() (accessKeyID, secretAccessKey string) {
	return os.Getenv("ARCHIVE_ACCESS_KEY_ID"), os.Getenv("ARCHIVE_SECRET_ACCESS_KEY")
}
