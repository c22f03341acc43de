package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// DatabaseConfig.GetDSN
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "standard config",
			cfg: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "console",
				Password: "secret",
				Name:     "mlp_console",
				SSLMode:  "require",
			},
			want: "host=localhost port=5432 user=console password=secret dbname=mlp_console sslmode=require",
		},
		{
			name: "empty password",
			cfg: DatabaseConfig{
				Host:    "db.internal",
				Port:    5433,
				User:    "console",
				Name:    "mlp",
				SSLMode: "disable",
			},
			want: "host=db.internal port=5433 user=console password= dbname=mlp sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetDSN(); got != tt.want {
				t.Errorf("GetDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ServerConfig helpers
// ---------------------------------------------------------------------------

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"empty host", ServerConfig{Host: "", Port: 8080}, ":8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetAddress(); got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetPublicURL(t *testing.T) {
	s := ServerConfig{PublicURL: "https://api.example.com", BaseURL: "http://internal:8080"}
	if got := s.GetPublicURL(); got != "https://api.example.com" {
		t.Errorf("GetPublicURL = %q", got)
	}
	s.PublicURL = ""
	if got := s.GetPublicURL(); got != "http://internal:8080" {
		t.Errorf("GetPublicURL fallback = %q", got)
	}
}

func TestGetAppURL(t *testing.T) {
	s := ServerConfig{AppURL: "https://console.example.com/", BaseURL: "http://internal:8080"}
	if got := s.GetAppURL(); got != "https://console.example.com" {
		t.Errorf("GetAppURL = %q", got)
	}
	s.AppURL = ""
	if got := s.GetAppURL(); got != "http://internal:8080" {
		t.Errorf("GetAppURL fallback = %q", got)
	}
}

func TestIsProduction(t *testing.T) {
	if !(&ServerConfig{Environment: EnvProduction}).IsProduction() {
		t.Error("production should be production")
	}
	if (&ServerConfig{Environment: EnvStaging}).IsProduction() {
		t.Error("staging should not be production")
	}
}

// ---------------------------------------------------------------------------
// AuthConfig.IsAdmin / BillingConfig.UnitPrice
// ---------------------------------------------------------------------------

func TestIsAdmin(t *testing.T) {
	a := AuthConfig{AdminEmails: []string{"ops@example.com", " Root@Example.com "}}
	if !a.IsAdmin("root@example.com") {
		t.Error("expected case-insensitive match")
	}
	if a.IsAdmin("user@example.com") {
		t.Error("user should not be admin")
	}
	if (&AuthConfig{}).IsAdmin("") {
		t.Error("empty allow-list should admit nobody")
	}
}

func TestUnitPrice(t *testing.T) {
	b := BillingConfig{CreditUnitPrice: "0.35"}
	if !b.UnitPrice().Equal(decimal.RequireFromString("0.35")) {
		t.Errorf("UnitPrice = %s", b.UnitPrice())
	}
	if !(&BillingConfig{CreditUnitPrice: "abc"}).UnitPrice().IsZero() {
		t.Error("unparseable price should be zero")
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			BaseURL:     "http://localhost:8080",
			Environment: EnvDevelopment,
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Name: "mlp_console",
			User: "console",
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalStorageConfig{BasePath: "./data"},
		},
		Billing: BillingConfig{
			CreditUnitPrice:     "0.35",
			OrphanedUsagePolicy: OrphanPolicyLog,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config passes", func(t *testing.T) {
		if err := minimalValidConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("empty environment defaults to production", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Server.Environment = ""
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate() unexpected error: %v", err)
		}
		if cfg.Server.Environment != EnvProduction {
			t.Errorf("Environment = %q, want production", cfg.Server.Environment)
		}
	})

	invalid := []struct {
		name   string
		mutate func(*Config)
	}{
		{"server port 0", func(c *Config) { c.Server.Port = 0 }},
		{"server port 70000", func(c *Config) { c.Server.Port = 70000 }},
		{"missing base_url", func(c *Config) { c.Server.BaseURL = "" }},
		{"unknown environment", func(c *Config) { c.Server.Environment = "qa" }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"missing database name", func(c *Config) { c.Database.Name = "" }},
		{"missing database user", func(c *Config) { c.Database.User = "" }},
		{"redis without addr", func(c *Config) { c.Redis = RedisConfig{Enabled: true} }},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"local without base_path", func(c *Config) { c.Storage.Local.BasePath = "" }},
		{"s3 without bucket", func(c *Config) {
			c.Storage.Backend = "s3"
			c.Storage.S3 = S3StorageConfig{Region: "eu-north-1"}
		}},
		{"s3 without region", func(c *Config) {
			c.Storage.Backend = "s3"
			c.Storage.S3 = S3StorageConfig{Bucket: "usage"}
		}},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }},
		{"azure without account name", func(c *Config) {
			c.Storage.Backend = "azure"
			c.Storage.Azure = AzureStorageConfig{AccountKey: "k", ContainerName: "usage"}
		}},
		{"azure without account key", func(c *Config) {
			c.Storage.Backend = "azure"
			c.Storage.Azure = AzureStorageConfig{AccountName: "mlp", ContainerName: "usage"}
		}},
		{"azure without container", func(c *Config) {
			c.Storage.Backend = "azure"
			c.Storage.Azure = AzureStorageConfig{AccountName: "mlp", AccountKey: "k"}
		}},
		{"oidc without issuer", func(c *Config) {
			c.Auth.OIDC = OIDCConfig{Enabled: true, ClientID: "id", ClientSecret: "s"}
		}},
		{"oidc without client id", func(c *Config) {
			c.Auth.OIDC = OIDCConfig{Enabled: true, IssuerURL: "https://tenant.auth0.com/", ClientSecret: "s"}
		}},
		{"oidc without client secret", func(c *Config) {
			c.Auth.OIDC = OIDCConfig{Enabled: true, IssuerURL: "https://tenant.auth0.com/", ClientID: "id"}
		}},
		{"stripe without secret key", func(c *Config) {
			c.Stripe = StripeConfig{Enabled: true, WebhookSecret: "whsec_x"}
		}},
		{"stripe without webhook secret", func(c *Config) {
			c.Stripe = StripeConfig{Enabled: true, SecretKey: "sk_test_x"}
		}},
		{"hubspot without token", func(c *Config) { c.HubSpot = HubSpotConfig{Enabled: true} }},
		{"mail without from", func(c *Config) { c.Mail = MailConfig{Enabled: true, Host: "smtp.resend.com"} }},
		{"mail without host", func(c *Config) { c.Mail = MailConfig{Enabled: true, FromAddress: "a@b.c"} }},
		{"unparseable unit price", func(c *Config) { c.Billing.CreditUnitPrice = "cheap" }},
		{"zero unit price", func(c *Config) { c.Billing.CreditUnitPrice = "0" }},
		{"unknown orphan policy", func(c *Config) { c.Billing.OrphanedUsagePolicy = "bill-anyway" }},
		{"redis limiter without redis", func(c *Config) { c.Security.RateLimiting.Backend = "redis" }},
		{"tls without cert", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, KeyFile: "k"} }},
		{"tls without key", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, CertFile: "c"} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error for %s, got nil", tt.name)
			}
		})
	}

	t.Run("cloud archive backends accepted", func(t *testing.T) {
		gcs := minimalValidConfig()
		gcs.Storage.Backend = "gcs"
		gcs.Storage.GCS = GCSStorageConfig{Bucket: "usage"}
		if err := gcs.Validate(); err != nil {
			t.Errorf("Validate(gcs) unexpected error: %v", err)
		}

		azure := minimalValidConfig()
		azure.Storage.Backend = "azure"
		azure.Storage.Azure = AzureStorageConfig{AccountName: "mlp", AccountKey: "k", ContainerName: "usage"}
		if err := azure.Validate(); err != nil {
			t.Errorf("Validate(azure) unexpected error: %v", err)
		}
	})

	t.Run("all orphan policies accepted", func(t *testing.T) {
		for _, p := range []string{OrphanPolicyLog, OrphanPolicyAlert, OrphanPolicySkipMark} {
			cfg := minimalValidConfig()
			cfg.Billing.OrphanedUsagePolicy = p
			if err := cfg.Validate(); err != nil {
				t.Errorf("policy %q: %v", p, err)
			}
		}
	})
}

// ---------------------------------------------------------------------------
// expandEnv
// ---------------------------------------------------------------------------

func TestExpandEnv(t *testing.T) {
	t.Setenv("CONFIG_TEST_SECRET", "super-secret")
	if got := expandEnv("${CONFIG_TEST_SECRET}"); got != "super-secret" {
		t.Errorf("expandEnv() = %q", got)
	}
	if got := expandEnv("no-vars-here"); got != "no-vars-here" {
		t.Errorf("expandEnv() = %q", got)
	}
	os.Unsetenv("CONFIG_TEST_DEFINITELY_UNSET_12345")
	if got := expandEnv("${CONFIG_TEST_DEFINITELY_UNSET_12345}"); got != "" {
		t.Errorf("expandEnv() = %q, want empty", got)
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// writeTempConfig creates a temp YAML file and registers a cleanup to remove it.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.yaml")
	if err != nil {
		t.Fatal("CreateTemp:", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.WriteString(content); err != nil {
		t.Fatal("WriteString:", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		if !strings.Contains(err.Error(), "invalid configuration") &&
			!strings.Contains(err.Error(), "error reading config file") {
			t.Fatalf("Load() unexpected error kind: %v", err)
		}
		return
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default server port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoad_WithConfigFile(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "whsec_from_env")
	const content = `
server:
  port: 9999
  base_url: "http://testhost:9999"
  environment: staging
database:
  host: "dbhost"
  name: "testdb"
  user: "testuser"
stripe:
  enabled: true
  secret_key: "sk_test_123"
  webhook_secret: "${TEST_WEBHOOK_SECRET}"
billing:
  orphaned_usage_policy: alert
alerts:
  shippers:
    - enabled: true
      type: slack
      slack:
        webhook_url: "https://hooks.slack.com/services/T/B/X"
        timeout: 5s
logging:
  level: "debug"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Server.Environment != EnvStaging {
		t.Errorf("Server.Environment = %q", cfg.Server.Environment)
	}
	if cfg.Stripe.WebhookSecret != "whsec_from_env" {
		t.Errorf("Stripe.WebhookSecret = %q, want expanded value", cfg.Stripe.WebhookSecret)
	}
	if cfg.Billing.OrphanedUsagePolicy != OrphanPolicyAlert {
		t.Errorf("OrphanedUsagePolicy = %q", cfg.Billing.OrphanedUsagePolicy)
	}
	if len(cfg.Alerts.Shippers) != 1 || cfg.Alerts.Shippers[0].Slack == nil {
		t.Fatalf("Alerts.Shippers = %+v", cfg.Alerts.Shippers)
	}
	if cfg.Alerts.Shippers[0].Slack.Timeout != 5*time.Second {
		t.Errorf("slack timeout = %v", cfg.Alerts.Shippers[0].Slack.Timeout)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	const content = `
server:
  base_url: "http://localhost:8080"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q", cfg.Server.Host)
	}
	if cfg.Database.SSLMode != "require" {
		t.Errorf("default Database.SSLMode = %q", cfg.Database.SSLMode)
	}
	if cfg.Billing.CreditUnitPrice != "0.35" {
		t.Errorf("default credit unit price = %q", cfg.Billing.CreditUnitPrice)
	}
	if cfg.Billing.DowngradeGraceDays != 7 {
		t.Errorf("default grace days = %d", cfg.Billing.DowngradeGraceDays)
	}
	if cfg.Hopsworks.CreateAttempts != 3 {
		t.Errorf("default create attempts = %d", cfg.Hopsworks.CreateAttempts)
	}
	if cfg.Storage.Backend != "local" {
		t.Errorf("default storage backend = %q", cfg.Storage.Backend)
	}
	if cfg.Auth.Session.TTL != 8*time.Hour {
		t.Errorf("default session ttl = %v", cfg.Auth.Session.TTL)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MLP_BILLING_CREDIT_UNIT_PRICE", "0.40")
	path := writeTempConfig(t, "server:\n  base_url: \"http://localhost:8080\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Billing.CreditUnitPrice != "0.40" {
		t.Errorf("CreditUnitPrice = %q, want env override", cfg.Billing.CreditUnitPrice)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}
