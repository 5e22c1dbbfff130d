package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/claimsedi/internal/domain/edi"
	"github.com/ehr/claimsedi/internal/platform/sftp"
	"github.com/ehr/claimsedi/internal/platform/x12"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultPractice string        `mapstructure:"DEFAULT_PRACTICE"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	// EDISecretKey is the hex AES-256 key for payer credential blobs.
	EDISecretKey        string `mapstructure:"EDI_SECRET_KEY"`
	EDISubmitterID      string `mapstructure:"EDI_SUBMITTER_ID"`
	EDISubmitterName    string `mapstructure:"EDI_SUBMITTER_NAME"`
	EDISubmitterContact string `mapstructure:"EDI_SUBMITTER_CONTACT"`
	EDISubmitterPhone   string `mapstructure:"EDI_SUBMITTER_PHONE"`
	EDIReceiverID       string `mapstructure:"EDI_RECEIVER_ID"`
	EDIUsageIndicator   string `mapstructure:"EDI_USAGE_INDICATOR"`
	EDISECountMode      string `mapstructure:"EDI_SE_COUNT_MODE"`
	EDIControlNumbers   string `mapstructure:"EDI_CONTROL_NUMBERS"`
	EDIBothPolicy       string `mapstructure:"EDI_BOTH_POLICY"`

	SFTPHostKeyPolicy  string `mapstructure:"SFTP_HOST_KEY_POLICY"`
	SFTPKnownHostsFile string `mapstructure:"SFTP_KNOWN_HOSTS_FILE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_PRACTICE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"EDI_SECRET_KEY", "EDI_SUBMITTER_ID", "EDI_SUBMITTER_NAME", "EDI_SUBMITTER_CONTACT",
	"EDI_SUBMITTER_PHONE", "EDI_RECEIVER_ID", "EDI_USAGE_INDICATOR", "EDI_SE_COUNT_MODE",
	"EDI_CONTROL_NUMBERS", "EDI_BOTH_POLICY",
	"SFTP_HOST_KEY_POLICY", "SFTP_KNOWN_HOSTS_FILE",
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
	v.SetDefault("DEFAULT_PRACTICE", "default")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "90s")
	v.SetDefault("EDI_USAGE_INDICATOR", "P")
	v.SetDefault("EDI_SE_COUNT_MODE", "legacy")
	v.SetDefault("EDI_CONTROL_NUMBERS", "sequence")
	v.SetDefault("EDI_BOTH_POLICY", "fail-fast")
	v.SetDefault("SFTP_HOST_KEY_POLICY", "strict")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
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

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks cross-field rules and every enumerated EDI setting.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if c.IsProduction() && c.EDISecretKey == "" {
		return fmt.Errorf("EDI_SECRET_KEY is required in production")
	}
	if c.EDISecretKey != "" {
		keyBytes, err := hex.DecodeString(c.EDISecretKey)
		if err != nil {
			return fmt.Errorf("EDI_SECRET_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("EDI_SECRET_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if strings.TrimSpace(c.EDISubmitterID) == "" {
		return fmt.Errorf("EDI_SUBMITTER_ID is required")
	}
	if len(c.EDISubmitterID) > 15 || len(c.EDIReceiverID) > 15 {
		return fmt.Errorf("EDI_SUBMITTER_ID and EDI_RECEIVER_ID are limited to 15 characters")
	}
	switch c.EDIUsageIndicator {
	case "T", "P":
	default:
		return fmt.Errorf("EDI_USAGE_INDICATOR must be \"T\" or \"P\", got %q", c.EDIUsageIndicator)
	}
	if _, err := x12.ParseCountMode(c.EDISECountMode); err != nil {
		return fmt.Errorf("EDI_SE_COUNT_MODE: %w", err)
	}
	if _, err := edi.ParseAllocatorMode(c.EDIControlNumbers); err != nil {
		return fmt.Errorf("EDI_CONTROL_NUMBERS: %w", err)
	}
	if _, err := edi.ParseBothPolicy(c.EDIBothPolicy); err != nil {
		return fmt.Errorf("EDI_BOTH_POLICY: %w", err)
	}

	policy, err := sftp.ParseHostKeyPolicy(c.SFTPHostKeyPolicy)
	if err != nil {
		return fmt.Errorf("SFTP_HOST_KEY_POLICY: %w", err)
	}
	if policy == sftp.HostKeyInsecure && c.IsProduction() {
		return fmt.Errorf("SFTP_HOST_KEY_POLICY=insecure is not allowed in production")
	}

	return nil
}
