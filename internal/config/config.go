// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the public HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health endpoint (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// PublicBaseURL is the externally reachable base URL used to build pairing and magic links.
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`
	// DatabaseURL is the Postgres DSN; empty selects in-memory stores.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production"). Production forbids dev-only features.
	Env string `mapstructure:"APP_ENV"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file. Empty outside production generates an ephemeral key.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31) for OAuth client secrets; default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// PairingSecret keys challenge and context-number derivation. Empty outside production generates one per process.
	PairingSecret string `mapstructure:"PAIRING_SECRET"`
	// PasswordPepper keys decoy salts for unknown emails. Empty generates one per process.
	PasswordPepper string `mapstructure:"PASSWORD_PEPPER"`

	WebAuthnRPID          string `mapstructure:"WEBAUTHN_RP_ID"`
	WebAuthnRPDisplayName string `mapstructure:"WEBAUTHN_RP_DISPLAY_NAME"`
	// WebAuthnRPOrigins is a comma-separated list of allowed origins.
	WebAuthnRPOrigins string `mapstructure:"WEBAUTHN_RP_ORIGINS"`
	// WebAuthnAllowZeroCounter admits authenticators that never advance their signature counter.
	WebAuthnAllowZeroCounter bool `mapstructure:"WEBAUTHN_ALLOW_ZERO_COUNTER"`

	SessionTTLRaw    string `mapstructure:"SESSION_TTL"`
	QRSessionTTLRaw  string `mapstructure:"QR_SESSION_TTL"`
	MagicLinkTTLRaw  string `mapstructure:"MAGIC_LINK_TTL"`
	SweepIntervalRaw string `mapstructure:"SESSION_SWEEP_INTERVAL"`

	// LedgerURL is the anchoring gateway base URL. Empty uses an in-memory ledger in development
	// and reports anchoring as unavailable in production.
	LedgerURL string `mapstructure:"LEDGER_URL"`
	// LedgerAPIToken is sent as a bearer token to the gateway.
	LedgerAPIToken     string `mapstructure:"LEDGER_API_TOKEN"`
	LedgerConfirmRaw   string `mapstructure:"LEDGER_CONFIRM_TIMEOUT"`
	LedgerQueueSize    int    `mapstructure:"LEDGER_QUEUE_SIZE"`
	RateLimitPerMinute int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	PolicyFile         string `mapstructure:"POLICY_FILE"`
	DevMagicLinkReturn bool   `mapstructure:"DEV_MAGIC_LINK_RETURN"`

	// OTel (optional). Empty endpoint keeps providers local with no exporters.
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Telemetry (optional). When Kafka brokers are set, the server emits telemetry to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for telemetry events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the telemetry worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "pairing-auth")
	v.SetDefault("JWT_AUDIENCE", "pairing-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("PAIRING_SECRET", "")
	v.SetDefault("PASSWORD_PEPPER", "")
	v.SetDefault("WEBAUTHN_RP_ID", "localhost")
	v.SetDefault("WEBAUTHN_RP_DISPLAY_NAME", "Identity Pairing")
	v.SetDefault("WEBAUTHN_RP_ORIGINS", "http://localhost:8080")
	v.SetDefault("WEBAUTHN_ALLOW_ZERO_COUNTER", false)
	v.SetDefault("SESSION_TTL", "5m")
	v.SetDefault("QR_SESSION_TTL", "3m")
	v.SetDefault("MAGIC_LINK_TTL", "15m")
	v.SetDefault("SESSION_SWEEP_INTERVAL", "1m")
	v.SetDefault("LEDGER_URL", "")
	v.SetDefault("LEDGER_API_TOKEN", "")
	v.SetDefault("LEDGER_CONFIRM_TIMEOUT", "30s")
	v.SetDefault("LEDGER_QUEUE_SIZE", 64)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 30)
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("DEV_MAGIC_LINK_RETURN", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "identity-pairing")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "pairing-telemetry")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "pairing-telemetry-worker")
}

// Validate checks required fields and production restrictions.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	for key, raw := range map[string]string{
		"JWT_ACCESS_TTL":         c.JWTAccessTTL,
		"SESSION_TTL":            c.SessionTTLRaw,
		"QR_SESSION_TTL":         c.QRSessionTTLRaw,
		"MAGIC_LINK_TTL":         c.MagicLinkTTLRaw,
		"SESSION_SWEEP_INTERVAL": c.SweepIntervalRaw,
		"LEDGER_CONFIRM_TIMEOUT": c.LedgerConfirmRaw,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return errors.New("config: " + key + " must be a positive duration")
		}
	}
	if c.IsProduction() {
		if c.DevMagicLinkReturn {
			return errors.New("config: DEV_MAGIC_LINK_RETURN must not be true when APP_ENV=production")
		}
		if c.JWTPrivateKey == "" {
			return errors.New("config: JWT_PRIVATE_KEY must be set when APP_ENV=production")
		}
		if c.PairingSecret == "" {
			return errors.New("config: PAIRING_SECRET must be set when APP_ENV=production")
		}
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func parseDuration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// SessionTTL returns the default session lifetime (5m if unset).
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.SessionTTLRaw, 5*time.Minute)
}

// QRSessionTTL returns the lifetime of QR login and signup sessions (3m if unset).
func (c *Config) QRSessionTTL() time.Duration {
	return parseDuration(c.QRSessionTTLRaw, 3*time.Minute)
}

// MagicLinkTTL returns the lifetime of magic links (15m if unset).
func (c *Config) MagicLinkTTL() time.Duration {
	return parseDuration(c.MagicLinkTTLRaw, 15*time.Minute)
}

// SweepInterval returns how often expired sessions are deleted (1m if unset).
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.SweepIntervalRaw, time.Minute)
}

// LedgerConfirmTimeout returns how long the relayer waits for confirmation (30s if unset).
func (c *Config) LedgerConfirmTimeout() time.Duration {
	return parseDuration(c.LedgerConfirmRaw, 30*time.Second)
}

// WebAuthnOrigins returns the allowed relying-party origins.
func (c *Config) WebAuthnOrigins() []string {
	return splitList(c.WebAuthnRPOrigins)
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if telemetry is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TelemetryKafkaBrokers)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
