package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/docvault/internal/platform/hipaa"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	EncryptionKey      string        `mapstructure:"DOCUMENT_ENCRYPTION_KEY"`
	EncryptionVersion  int           `mapstructure:"DOCUMENT_ENCRYPTION_KEY_VERSION"`
	PreviousKeys       string        `mapstructure:"DOCUMENT_PREVIOUS_KEYS"`
	UploadsDir         string        `mapstructure:"UPLOADS_DIR"`
	MaxUploadSize      string        `mapstructure:"MAX_UPLOAD_SIZE"`
	AllowedImportHosts []string      `mapstructure:"ALLOWED_IMPORT_HOSTS"`
	ImportTimeout      time.Duration `mapstructure:"IMPORT_TIMEOUT"`
	AliasCacheTTL      time.Duration `mapstructure:"ALIAS_CACHE_TTL"`
	AliasCacheEntries  int           `mapstructure:"ALIAS_CACHE_MAX_ENTRIES"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled         bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile        string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile         string        `mapstructure:"TLS_KEY_FILE"`

	// MaxUploadBytes is MaxUploadSize parsed by Load.
	MaxUploadBytes int64 `mapstructure:"-"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"DOCUMENT_ENCRYPTION_KEY",
	"DOCUMENT_ENCRYPTION_KEY_VERSION",
	"DOCUMENT_PREVIOUS_KEYS",
	"UPLOADS_DIR",
	"MAX_UPLOAD_SIZE",
	"ALLOWED_IMPORT_HOSTS",
	"IMPORT_TIMEOUT",
	"ALIAS_CACHE_TTL",
	"ALIAS_CACHE_MAX_ENTRIES",
	"REQUEST_TIMEOUT",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"TLS_ENABLED",
	"TLS_CERT_FILE",
	"TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DOCUMENT_ENCRYPTION_KEY_VERSION", 1)
	v.SetDefault("UPLOADS_DIR", "uploads")
	v.SetDefault("MAX_UPLOAD_SIZE", "10M")
	v.SetDefault("IMPORT_TIMEOUT", "15s")
	v.SetDefault("ALIAS_CACHE_TTL", "10m")
	v.SetDefault("ALIAS_CACHE_MAX_ENTRIES", 10000)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.AllowedImportHosts = splitList(cfg.AllowedImportHosts, v.GetString("ALLOWED_IMPORT_HOSTS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	size, err := ParseSize(cfg.MaxUploadSize)
	if err != nil {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE: %w", err)
	}
	cfg.MaxUploadBytes = size

	return cfg, nil
}

// splitList normalizes a comma-separated list. Viper may already have split
// the value; entries are trimmed and empty ones dropped either way.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	var out []string
	for _, p := range parsed {
		for _, item := range strings.Split(p, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KeyConfig returns the document encryption keys in the form
// hipaa.NewEncryptionService expects.
func (c *Config) KeyConfig() (hipaa.KeyConfig, error) {
	previous, err := hipaa.ParseKeyList(c.PreviousKeys)
	if err != nil {
		return hipaa.KeyConfig{}, fmt.Errorf("DOCUMENT_PREVIOUS_KEYS: %w", err)
	}
	return hipaa.KeyConfig{
		CurrentKey:     c.EncryptionKey,
		CurrentVersion: c.EncryptionVersion,
		PreviousKeys:   previous,
	}, nil
}

// Validate checks that the configuration is safe to run. In production,
// DOCUMENT_ENCRYPTION_KEY is required and must be a valid 64-character hex
// string (32 bytes when decoded). Without it documents would be stored in
// the clear.
func (c *Config) Validate() error {
	if c.IsProduction() && c.EncryptionKey == "" {
		return fmt.Errorf("DOCUMENT_ENCRYPTION_KEY is required in production")
	}
	if c.EncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("DOCUMENT_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("DOCUMENT_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.EncryptionVersion < 1 {
		return fmt.Errorf("DOCUMENT_ENCRYPTION_KEY_VERSION must be positive, got %d", c.EncryptionVersion)
	}
	if _, err := c.KeyConfig(); err != nil {
		return err
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.UploadsDir == "" {
		return fmt.Errorf("UPLOADS_DIR must not be empty")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
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

// ParseSize parses a byte size such as "10M", "512k", "1GB" or "2048".
// Units are binary: K is 1024 bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (1<<62)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * mult, nil
}
