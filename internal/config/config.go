package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chata/chata/internal/platform/kvstore"
	"github.com/chata/chata/internal/platform/submission"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	StoreEngine string `mapstructure:"STORE_ENGINE"`
	StorePath   string `mapstructure:"STORE_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	PublicBaseURL        string        `mapstructure:"PUBLIC_BASE_URL"`
	FormAPIURL           string        `mapstructure:"FORM_API_URL"`
	AppsScriptReportURL  string        `mapstructure:"APPS_SCRIPT_REPORT_URL"`
	AppsScriptEmailURL   string        `mapstructure:"APPS_SCRIPT_EMAIL_URL"`
	AppsScriptSheetsURL  string        `mapstructure:"APPS_SCRIPT_SHEETS_URL"`
	SubmissionPayloadKey string        `mapstructure:"SUBMISSION_PAYLOAD_KEY"`
	SubmissionTimeout    time.Duration `mapstructure:"SUBMISSION_TIMEOUT"`
	PollInterval         time.Duration `mapstructure:"POLL_INTERVAL"`
	PollMaxAttempts      int           `mapstructure:"POLL_MAX_ATTEMPTS"`

	HIPAAEncryptionKey string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion    int      `mapstructure:"HIPAA_KEY_VERSION"`
	HIPAAPreviousKeys  []string `mapstructure:"HIPAA_PREVIOUS_KEYS"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	FormRetentionDays int           `mapstructure:"FORM_RETENTION_DAYS"`
	CleanupInterval   time.Duration `mapstructure:"CLEANUP_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"STORE_ENGINE", "STORE_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"PUBLIC_BASE_URL", "FORM_API_URL",
	"APPS_SCRIPT_REPORT_URL", "APPS_SCRIPT_EMAIL_URL", "APPS_SCRIPT_SHEETS_URL",
	"SUBMISSION_PAYLOAD_KEY", "SUBMISSION_TIMEOUT", "POLL_INTERVAL", "POLL_MAX_ATTEMPTS",
	"HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION", "HIPAA_PREVIOUS_KEYS",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"FORM_RETENTION_DAYS", "CLEANUP_INTERVAL",
}

// Load reads the environment, then an optional .env file in the working
// directory, over built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("STORE_ENGINE", kvstore.EngineSQLite)
	v.SetDefault("STORE_PATH", "chata-forms.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("FORM_API_URL", "/api/submit-form")
	v.SetDefault("SUBMISSION_PAYLOAD_KEY", string(submission.PayloadKeyCanonical))
	v.SetDefault("SUBMISSION_TIMEOUT", "30s")
	v.SetDefault("POLL_INTERVAL", "2s")
	v.SetDefault("POLL_MAX_ATTEMPTS", 30)
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("FORM_RETENTION_DAYS", 30)
	v.SetDefault("CLEANUP_INTERVAL", "24h")

	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.HIPAAPreviousKeys = splitList(v.GetString("HIPAA_PREVIOUS_KEYS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// ResolveURL turns a path such as "/api/submit-form" into an absolute URL
// under PUBLIC_BASE_URL. Absolute URLs and empty strings pass through.
func (c *Config) ResolveURL(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.IsAbs() {
		return raw, nil
	}
	base, err := url.Parse(c.PublicBaseURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("PUBLIC_BASE_URL %q must be an absolute URL to resolve %q", c.PublicBaseURL, raw)
	}
	return base.ResolveReference(u).String(), nil
}

// Validate rejects configurations that would start but misbehave.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_MODE=jwt needs AUTH_JWKS_URL or AUTH_SIGNING_KEY")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if !kvstore.ValidEngine(c.StoreEngine) {
		return fmt.Errorf("STORE_ENGINE %q is not one of memory, file, sqlite, postgres", c.StoreEngine)
	}
	if strings.EqualFold(c.StoreEngine, kvstore.EnginePostgres) && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_ENGINE=postgres")
	}

	if _, err := submission.ParsePayloadKey(c.SubmissionPayloadKey); err != nil {
		return fmt.Errorf("SUBMISSION_PAYLOAD_KEY: %w", err)
	}
	for name, raw := range map[string]string{
		"FORM_API_URL":           c.FormAPIURL,
		"APPS_SCRIPT_REPORT_URL": c.AppsScriptReportURL,
		"APPS_SCRIPT_EMAIL_URL":  c.AppsScriptEmailURL,
		"APPS_SCRIPT_SHEETS_URL": c.AppsScriptSheetsURL,
	} {
		if _, err := c.ResolveURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.SubmissionTimeout <= 0 {
		return fmt.Errorf("SUBMISSION_TIMEOUT must be positive")
	}
	if c.PollInterval <= 0 || c.PollMaxAttempts < 1 {
		return fmt.Errorf("POLL_INTERVAL must be positive and POLL_MAX_ATTEMPTS at least 1")
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		key, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	}

	if c.FormRetentionDays < 0 {
		return fmt.Errorf("FORM_RETENTION_DAYS must not be negative")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
