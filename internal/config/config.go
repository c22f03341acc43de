// Package config loads and validates the console backend configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the MLP_ prefix (e.g., MLP_STRIPE_SECRET_KEY
// overrides stripe.secret_key in the YAML).
//
// The ENCRYPTION_KEY variable has no MLP_ prefix because it is injected by the
// secret store alongside other generic secrets; it seals cluster API keys at rest.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/mlplatform/console-backend/internal/alerts"
)

// Environments recognised by server.environment.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
)

// Orphaned usage policies (billing.orphaned_usage_policy).
const (
	OrphanPolicyLog      = "log"
	OrphanPolicyAlert    = "alert"
	OrphanPolicySkipMark = "skip-mark"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Hopsworks HopsworksConfig `mapstructure:"hopsworks"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Mail      MailConfig      `mapstructure:"mail"`
	HubSpot   HubSpotConfig   `mapstructure:"hubspot"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Cron      CronConfig      `mapstructure:"cron"`
	Security  SecurityConfig  `mapstructure:"security"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	BaseURL     string `mapstructure:"base_url"`
	PublicURL   string `mapstructure:"public_url"`
	AppURL      string `mapstructure:"app_url"`
	Environment string `mapstructure:"environment"`
	// ReadTimeout and WriteTimeout bound a single request.
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetPublicURL returns the public-facing URL used for OAuth callbacks.
// When server.public_url is set it is returned as-is; otherwise it falls back to server.base_url.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.BaseURL
}

// GetAppURL returns the front-end URL used in emails and checkout redirects.
func (s *ServerConfig) GetAppURL() string {
	if s.AppURL != "" {
		return strings.TrimRight(s.AppURL, "/")
	}
	return strings.TrimRight(s.GetPublicURL(), "/")
}

// IsProduction reports whether diagnostic details must be hidden from clients.
func (s *ServerConfig) IsProduction() bool {
	return s.Environment == EnvProduction
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the optional Redis connection used for distributed rate limiting.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	OIDC    OIDCConfig    `mapstructure:"oidc"`
	Session SessionConfig `mapstructure:"session"`
	// AdminEmails may call /api/v1/admin routes.
	AdminEmails []string `mapstructure:"admin_emails"`
}

// OIDCConfig holds the identity provider (Auth0) configuration
type OIDCConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	IssuerURL    string   `mapstructure:"issuer_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// SessionConfig controls the session JWT issued after login.
type SessionConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// IsAdmin reports whether email is on the admin allow-list.
func (a *AuthConfig) IsAdmin(email string) bool {
	for _, e := range a.AdminEmails {
		if strings.EqualFold(strings.TrimSpace(e), strings.TrimSpace(email)) {
			return true
		}
	}
	return false
}

// StripeConfig holds billing provider configuration
type StripeConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	// PriceID is the metered subscription price.
	PriceID string `mapstructure:"price_id"`
	// Meter event names. Storage meters receive prorated GB values.
	ComputeMeter        string `mapstructure:"compute_meter"`
	StorageMeter        string `mapstructure:"storage_meter"`
	OfflineStorageMeter string `mapstructure:"offline_storage_meter"`
	EgressMeter         string `mapstructure:"egress_meter"`
}

// HopsworksConfig holds settings shared by every cluster client.
type HopsworksConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// Assignment retry budget for external user creation.
	CreateAttempts int           `mapstructure:"create_attempts"`
	CreateBackoff  time.Duration `mapstructure:"create_backoff"`
}

// BillingConfig holds pricing and usage-reporting settings.
type BillingConfig struct {
	CreditUnitPrice     string `mapstructure:"credit_unit_price"`
	OrphanedUsagePolicy string `mapstructure:"orphaned_usage_policy"`
	DowngradeGraceDays  int    `mapstructure:"downgrade_grace_days"`
}

// UnitPrice parses CreditUnitPrice. Validate guarantees it parses.
func (b *BillingConfig) UnitPrice() decimal.Decimal {
	d, err := decimal.NewFromString(b.CreditUnitPrice)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// MailConfig holds outbound mail (Resend SMTP relay) configuration
type MailConfig struct {
	// Enabled toggles delivery; when false mail is logged instead of sent.
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	FromAddress string `mapstructure:"from_address"`
	FromName    string `mapstructure:"from_name"`
}

// HubSpotConfig holds CRM lookup configuration for corporate signup.
type HubSpotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// AlertsConfig configures the operational alert destinations.
type AlertsConfig struct {
	Shippers []alerts.ShipperConfig `mapstructure:"shippers"`
}

// CronConfig holds settings for the externally triggered batch endpoints.
type CronConfig struct {
	Secret            string `mapstructure:"secret"`
	RepairBatchSize   int    `mapstructure:"repair_batch_size"`
	RepairMaxAttempts int    `mapstructure:"repair_max_attempts"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend is "memory" (per process) or "redis" (shared).
	Backend           string `mapstructure:"backend"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
	InvitesPerHour    int    `mapstructure:"invites_per_hour"`
	WebhooksPerMinute int    `mapstructure:"webhooks_per_minute"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// StorageConfig holds the usage-report archive backend configuration
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	S3      S3StorageConfig    `mapstructure:"s3"`
	GCS     GCSStorageConfig   `mapstructure:"gcs"`
	Azure   AzureStorageConfig `mapstructure:"azure"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is one of "default", "static", "oidc", "assume_role".
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN              string `mapstructure:"role_arn"`
	RoleSessionName      string `mapstructure:"role_session_name"`
	ExternalID           string `mapstructure:"external_id"`
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`

	// AuthMethod is one of "default", "service_account", "workload_identity".
	AuthMethod string `mapstructure:"auth_method"`

	// CredentialsFile or CredentialsJSON carry the key for service_account auth.
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint overrides the API endpoint (fake-gcs-server and other emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	// Endpoint overrides the service URL, e.g. for Azurite
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.app_url",
		"server.environment",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",

		// Auth
		"auth.oidc.enabled",
		"auth.oidc.issuer_url",
		"auth.oidc.client_id",
		"auth.oidc.client_secret",
		"auth.oidc.redirect_url",
		"auth.oidc.scopes",
		"auth.session.secret",
		"auth.session.ttl",
		"auth.admin_emails",

		// Stripe
		"stripe.enabled",
		"stripe.secret_key",
		"stripe.webhook_secret",
		"stripe.price_id",
		"stripe.compute_meter",
		"stripe.storage_meter",
		"stripe.offline_storage_meter",
		"stripe.egress_meter",

		// Hopsworks
		"hopsworks.timeout",
		"hopsworks.create_attempts",
		"hopsworks.create_backoff",

		// Billing
		"billing.credit_unit_price",
		"billing.orphaned_usage_policy",
		"billing.downgrade_grace_days",

		// Mail
		"mail.enabled",
		"mail.host",
		"mail.port",
		"mail.username",
		"mail.password",
		"mail.from_address",
		"mail.from_name",

		// HubSpot
		"hubspot.enabled",
		"hubspot.base_url",
		"hubspot.token",

		// Cron
		"cron.secret",
		"cron.repair_batch_size",
		"cron.repair_max_attempts",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.backend",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.invites_per_hour",
		"security.rate_limiting.webhooks_per_minute",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Storage
		"storage.backend",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.azure.endpoint",
		"storage.local.base_path",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mlp-console")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MLP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.OIDC.ClientSecret = expandEnv(cfg.Auth.OIDC.ClientSecret)
	cfg.Auth.Session.Secret = expandEnv(cfg.Auth.Session.Secret)
	cfg.Stripe.SecretKey = expandEnv(cfg.Stripe.SecretKey)
	cfg.Stripe.WebhookSecret = expandEnv(cfg.Stripe.WebhookSecret)
	cfg.Mail.Password = expandEnv(cfg.Mail.Password)
	cfg.HubSpot.Token = expandEnv(cfg.HubSpot.Token)
	cfg.Cron.Secret = expandEnv(cfg.Cron.Secret)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Storage.GCS.CredentialsJSON = expandEnv(cfg.Storage.GCS.CredentialsJSON)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.app_url", "http://localhost:3000")
	v.SetDefault("server.environment", EnvProduction)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "mlp_console")
	v.SetDefault("database.user", "console")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("auth.oidc.enabled", false)
	v.SetDefault("auth.oidc.scopes", []string{"openid", "email", "profile"})
	v.SetDefault("auth.session.ttl", "8h")

	v.SetDefault("stripe.enabled", false)
	v.SetDefault("stripe.compute_meter", "compute_credits")
	v.SetDefault("stripe.storage_meter", "storage_gb_days")
	v.SetDefault("stripe.offline_storage_meter", "offline_storage_gb_days")
	v.SetDefault("stripe.egress_meter", "network_egress_gb")

	v.SetDefault("hopsworks.timeout", "30s")
	v.SetDefault("hopsworks.create_attempts", 3)
	v.SetDefault("hopsworks.create_backoff", "1s")

	v.SetDefault("billing.credit_unit_price", "0.35")
	v.SetDefault("billing.orphaned_usage_policy", OrphanPolicyLog)
	v.SetDefault("billing.downgrade_grace_days", 7)

	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.host", "smtp.resend.com")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.username", "resend")
	v.SetDefault("mail.from_name", "ML Platform")

	v.SetDefault("hubspot.enabled", false)

	v.SetDefault("cron.repair_batch_size", 50)
	v.SetDefault("cron.repair_max_attempts", 5)

	v.SetDefault("security.cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.backend", "memory")
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.rate_limiting.invites_per_hour", 20)
	v.SetDefault("security.rate_limiting.webhooks_per_minute", 300)
	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.base_path", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.service_name", "mlp-console")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	switch c.Server.Environment {
	case EnvProduction, EnvStaging, EnvDevelopment:
	case "":
		c.Server.Environment = EnvProduction
	default:
		return fmt.Errorf("invalid server environment: %s (must be production, staging, or development)", c.Server.Environment)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "azure":
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be local, s3, gcs, or azure)", c.Storage.Backend)
	}

	if c.Auth.OIDC.Enabled {
		if c.Auth.OIDC.IssuerURL == "" {
			return fmt.Errorf("auth.oidc.issuer_url is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientID == "" {
			return fmt.Errorf("auth.oidc.client_id is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientSecret == "" {
			return fmt.Errorf("auth.oidc.client_secret is required when OIDC is enabled")
		}
	}

	if c.Stripe.Enabled {
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("stripe.secret_key is required when Stripe is enabled")
		}
		if c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("stripe.webhook_secret is required when Stripe is enabled")
		}
	}

	if c.HubSpot.Enabled && c.HubSpot.Token == "" {
		return fmt.Errorf("hubspot.token is required when HubSpot is enabled")
	}

	if c.Mail.Enabled {
		if c.Mail.Host == "" {
			return fmt.Errorf("mail.host is required when mail is enabled")
		}
		if c.Mail.FromAddress == "" {
			return fmt.Errorf("mail.from_address is required when mail is enabled")
		}
	}

	price, err := decimal.NewFromString(c.Billing.CreditUnitPrice)
	if err != nil || !price.IsPositive() {
		return fmt.Errorf("invalid billing.credit_unit_price: %q", c.Billing.CreditUnitPrice)
	}
	switch c.Billing.OrphanedUsagePolicy {
	case OrphanPolicyLog, OrphanPolicyAlert, OrphanPolicySkipMark:
	default:
		return fmt.Errorf("invalid billing.orphaned_usage_policy: %s (must be log, alert, or skip-mark)", c.Billing.OrphanedUsagePolicy)
	}

	if c.Security.RateLimiting.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("security.rate_limiting.backend=redis requires redis.enabled")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
