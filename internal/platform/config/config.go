package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"gatehouse/internal/policy"
)

// Config holds runtime configuration for the service, read from the environment.
type Config struct {
	Env          string        `envconfig:"APP_ENV" default:"development"`
	Addr         string        `envconfig:"APP_ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	MaxBodyBytes int64         `envconfig:"APP_MAX_BODY_BYTES" default:"65536"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`

	Database Database `envconfig:"DATABASE"`
	Redis    Redis    `envconfig:"REDIS"`
	Kafka    Kafka    `envconfig:"KAFKA"`

	// DigestKey keys the BLAKE2b digest of grant secrets. Rotating it
	// invalidates every outstanding grant.
	DigestKey string `envconfig:"GRANT_DIGEST_KEY" required:"true"`

	SessionSigningKey string        `envconfig:"SESSION_SIGNING_KEY" required:"true"`
	SessionTTL        time.Duration `envconfig:"SESSION_TTL" default:"2h"`

	RulesFile string `envconfig:"RULES_FILE"`

	ExpiryInterval   time.Duration `envconfig:"EXPIRY_INTERVAL" default:"1m"`
	ReminderInterval time.Duration `envconfig:"REMINDER_INTERVAL" default:"24h"`
	ReissueOnExpiry  bool          `envconfig:"REISSUE_ON_EXPIRY" default:"false"`

	ProbeThreshold int           `envconfig:"PROBE_THRESHOLD" default:"20"`
	ProbeWindow    time.Duration `envconfig:"PROBE_WINDOW" default:"10m"`

	AccessRateLimit  int           `envconfig:"ACCESS_RATE_LIMIT" default:"10"`
	AccessRateWindow time.Duration `envconfig:"ACCESS_RATE_WINDOW" default:"1m"`

	NotifyBuffer     int     `envconfig:"NOTIFY_BUFFER" default:"256"`
	NotifyRate       int     `envconfig:"NOTIFY_RATE" default:"50"`
	NotifyAsynq      bool    `envconfig:"NOTIFY_ASYNQ" default:"false"`
	NotifyAsynqQueue string  `envconfig:"NOTIFY_ASYNQ_QUEUE" default:"notifications"`
}

// Database configures the PostgreSQL pool. An empty URL selects in-memory stores.
type Database struct {
	URL             string        `envconfig:"URL"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"5m"`
	Migrate         bool          `envconfig:"MIGRATE" default:"true"`
}

// Redis configures the shared Redis client. An empty URL disables Redis.
type Redis struct {
	URL          string        `envconfig:"URL"`
	PoolSize     int           `envconfig:"POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
}

// Kafka configures the notification producer. Empty brokers disable the sink.
type Kafka struct {
	Brokers         string        `envconfig:"BROKERS"`
	Topic           string        `envconfig:"TOPIC" default:"gatehouse.notifications"`
	Acks            string        `envconfig:"ACKS" default:"all"`
	Retries         int           `envconfig:"RETRIES" default:"3"`
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.DigestKey) < 16 {
		return errors.New("GRANT_DIGEST_KEY must be at least 16 bytes")
	}
	if len(c.SessionSigningKey) < 32 {
		return errors.New("SESSION_SIGNING_KEY must be at least 32 bytes")
	}
	if c.ExpiryInterval <= 0 || c.ReminderInterval <= 0 {
		return errors.New("sweep intervals must be positive")
	}
	if _, err := c.ParsedTrustedProxies(); err != nil {
		return err
	}
	return nil
}

// IsProduction returns true when the service runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

// ParsedTrustedProxies returns TrustedProxies as prefixes. Bare addresses are
// treated as single-host prefixes.
func (c *Config) ParsedTrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Rules returns the default rule set overlaid with RulesFile when set.
// Grant entries present in the file replace the default entry for that stage.
func (c *Config) Rules() (policy.Rules, error) {
	if c.RulesFile == "" {
		r := policy.Default()
		return r, r.Validate()
	}
	raw, err := os.ReadFile(c.RulesFile)
	if err != nil {
		return policy.Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules decodes YAML over the default rule set and validates the result.
func ParseRules(raw []byte) (policy.Rules, error) {
	r := policy.Default()
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return policy.Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	if err := r.Validate(); err != nil {
		return policy.Rules{}, fmt.Errorf("invalid rules: %w", err)
	}
	return r, nil
}
