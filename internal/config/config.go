package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	AuthMode                string        `mapstructure:"AUTH_MODE"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer              string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL             string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience            string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey          string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS            float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit               string        `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit         string        `mapstructure:"UPLOAD_BODY_LIMIT"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BlobBackend             string        `mapstructure:"BLOB_BACKEND"`
	S3Bucket                string        `mapstructure:"S3_BUCKET"`
	S3Prefix                string        `mapstructure:"S3_PREFIX"`
	S3URLTTL                time.Duration `mapstructure:"S3_URL_TTL"`
	CatalogDir              string        `mapstructure:"CATALOG_DIR"`
	AuthorLookupConcurrency int           `mapstructure:"AUTHOR_LOOKUP_CONCURRENCY"`
	TLSEnabled              bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile             string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile              string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"UPLOAD_BODY_LIMIT", "REQUEST_TIMEOUT", "BLOB_BACKEND", "S3_BUCKET",
	"S3_PREFIX", "S3_URL_TTL", "CATALOG_DIR", "AUTHOR_LOOKUP_CONCURRENCY",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "6M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("S3_PREFIX", "attachments/")
	v.SetDefault("S3_URL_TTL", "15m")
	v.SetDefault("AUTHOR_LOOKUP_CONCURRENCY", 8)

	for _, k := range keys {
		v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" && len(cfg.CORSOrigins) <= 1 {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// deployments get "development" (header-based identity), an AUTH_ISSUER
// selects "external" and anything else is "standalone" (HS256 tokens
// signed with AUTH_SIGNING_KEY).
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "standalone"
}

// SigningKey decodes AUTH_SIGNING_KEY.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "external":
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set when AUTH_MODE is \"external\"")
		}
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when AUTH_MODE is \"external\"")
		}
	case "standalone":
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"standalone\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"standalone\", or \"external\", got %q", mode)
	}
	if _, err := c.SigningKey(); err != nil {
		return err
	}

	switch c.BlobBackend {
	case "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is \"s3\"")
		}
		if c.S3URLTTL <= 0 {
			return fmt.Errorf("S3_URL_TTL must be positive")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"memory\" or \"s3\", got %q", c.BlobBackend)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.AuthorLookupConcurrency <= 0 {
		return fmt.Errorf("AUTHOR_LOOKUP_CONCURRENCY must be positive")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

// Warnings lists settings that are valid but unsafe outside development.
func (c *Config) Warnings() []string {
	var w []string
	if c.ResolvedAuthMode() == "development" {
		w = append(w, "development auth is active: requests act as a built-in admin clinician unless X-Clinician-ID is sent")
	}
	if c.BlobBackend == "memory" && !c.IsDev() {
		w = append(w, "BLOB_BACKEND=memory keeps attachments in process memory; they are lost on restart")
	}
	return w
}
