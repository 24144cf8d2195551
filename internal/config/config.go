package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// DefaultAddr is the default TCP address the gateway listens on.
	DefaultAddr = ":8420"
	// DefaultMaxFrameBytes limits the encoded size of an inbound duplex frame.
	DefaultMaxFrameBytes int64 = 10 * 1024
	// DefaultMaxJSONDepth bounds the nesting depth of inbound payloads.
	DefaultMaxJSONDepth = 10
	// DefaultMaxStringLength bounds any single key or string value in a payload.
	DefaultMaxStringLength = 10000
	// DefaultRateLimitWindow is the fixed rate-limit window per connection.
	DefaultRateLimitWindow = time.Minute
	// DefaultRateLimitMaxAttempts is the frame budget per window per connection.
	DefaultRateLimitMaxAttempts = 100
	// DefaultHeartbeatInterval controls the push-stream keepalive cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultPendingQueueCapacity bounds buffered envelopes per player.
	DefaultPendingQueueCapacity = 50
	// DefaultStaleThreshold is how long a silent connection survives pruning.
	DefaultStaleThreshold = 90 * time.Second
	// DefaultHandshakeRate limits new transport handshakes per second.
	DefaultHandshakeRate = 5.0
	// DefaultHandshakeBurst is the handshake limiter burst allowance.
	DefaultHandshakeBurst = 10
	// DefaultPendingSnapshotInterval controls pending-queue persistence cadence.
	DefaultPendingSnapshotInterval = 30 * time.Second

	// DefaultLogLevel controls verbosity for gateway logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "gateway.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the gateway service.
type Config struct {
	Address        string   `env:"GATEWAY_ADDR"`
	AllowedOrigins []string `env:"GATEWAY_ALLOWED_ORIGINS"`
	TLSCertPath    string   `env:"GATEWAY_TLS_CERT"`
	TLSKeyPath     string   `env:"GATEWAY_TLS_KEY"`

	// AuthSecret signs the HS256 tokens presented on every handshake. The
	// gateway refuses to start without it unless AllowAnonymous is set.
	AuthSecret     string `env:"GATEWAY_AUTH_SECRET"`
	AuthIssuer     string `env:"GATEWAY_AUTH_ISSUER"`
	AllowAnonymous bool   `env:"GATEWAY_ALLOW_ANONYMOUS"`

	// AllowUnverifiedCSRF re-enables the legacy behaviour of accepting any
	// inbound CSRF token when a session never advertised an expected one. It
	// effectively disables CSRF protection for such sessions and the gateway
	// warns loudly at startup when it is set.
	AllowUnverifiedCSRF bool `env:"GATEWAY_ALLOW_UNVERIFIED_CSRF"`

	MaxFrameBytes        int64         `env:"GATEWAY_MAX_FRAME_BYTES"`
	MaxJSONDepth         int           `env:"GATEWAY_MAX_JSON_DEPTH"`
	MaxStringLength      int           `env:"GATEWAY_MAX_STRING_LENGTH"`
	RateLimitWindow      time.Duration `env:"GATEWAY_RATE_WINDOW"`
	RateLimitMaxAttempts int           `env:"GATEWAY_RATE_MAX_ATTEMPTS"`
	HeartbeatInterval    time.Duration `env:"GATEWAY_HEARTBEAT_INTERVAL"`
	PendingQueueCapacity int           `env:"GATEWAY_PENDING_CAPACITY"`
	StaleThreshold       time.Duration `env:"GATEWAY_STALE_THRESHOLD"`
	HandshakeRate        float64       `env:"GATEWAY_HANDSHAKE_RATE"`
	HandshakeBurst       int           `env:"GATEWAY_HANDSHAKE_BURST"`

	PendingSnapshotPath     string        `env:"GATEWAY_PENDING_SNAPSHOT_PATH"`
	PendingSnapshotInterval time.Duration `env:"GATEWAY_PENDING_SNAPSHOT_INTERVAL"`

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `env:"GATEWAY_LOG_LEVEL"`
	Path       string `env:"GATEWAY_LOG_PATH"`
	MaxSizeMB  int    `env:"GATEWAY_LOG_MAX_SIZE_MB"`
	MaxBackups int    `env:"GATEWAY_LOG_MAX_BACKUPS"`
	MaxAgeDays int    `env:"GATEWAY_LOG_MAX_AGE_DAYS"`
	Compress   bool   `env:"GATEWAY_LOG_COMPRESS"`
}

func defaults() *Config {
	return &Config{
		Address:                 DefaultAddr,
		MaxFrameBytes:           DefaultMaxFrameBytes,
		MaxJSONDepth:            DefaultMaxJSONDepth,
		MaxStringLength:         DefaultMaxStringLength,
		RateLimitWindow:         DefaultRateLimitWindow,
		RateLimitMaxAttempts:    DefaultRateLimitMaxAttempts,
		HeartbeatInterval:       DefaultHeartbeatInterval,
		PendingQueueCapacity:    DefaultPendingQueueCapacity,
		StaleThreshold:          DefaultStaleThreshold,
		HandshakeRate:           DefaultHandshakeRate,
		HandshakeBurst:          DefaultHandshakeBurst,
		PendingSnapshotInterval: DefaultPendingSnapshotInterval,
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// Load reads the gateway configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := defaults()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Address = strings.TrimSpace(cfg.Address)
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.AuthIssuer = strings.TrimSpace(cfg.AuthIssuer)
	cfg.TLSCertPath = strings.TrimSpace(cfg.TLSCertPath)
	cfg.TLSKeyPath = strings.TrimSpace(cfg.TLSKeyPath)
	cfg.PendingSnapshotPath = strings.TrimSpace(cfg.PendingSnapshotPath)

	if problems := cfg.validate(); len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func (cfg *Config) validate() []string {
	var problems []string

	if cfg.MaxFrameBytes <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_MAX_FRAME_BYTES must be a positive integer, got %d", cfg.MaxFrameBytes))
	}
	if cfg.MaxJSONDepth <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_MAX_JSON_DEPTH must be a positive integer, got %d", cfg.MaxJSONDepth))
	}
	if cfg.MaxStringLength <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_MAX_STRING_LENGTH must be a positive integer, got %d", cfg.MaxStringLength))
	}
	if cfg.RateLimitWindow <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_RATE_WINDOW must be a positive duration, got %s", cfg.RateLimitWindow))
	}
	if cfg.RateLimitMaxAttempts <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_RATE_MAX_ATTEMPTS must be a positive integer, got %d", cfg.RateLimitMaxAttempts))
	}
	if cfg.HeartbeatInterval <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_HEARTBEAT_INTERVAL must be a positive duration, got %s", cfg.HeartbeatInterval))
	}
	if cfg.PendingQueueCapacity <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_PENDING_CAPACITY must be a positive integer, got %d", cfg.PendingQueueCapacity))
	}
	if cfg.StaleThreshold <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_STALE_THRESHOLD must be a positive duration, got %s", cfg.StaleThreshold))
	}
	if cfg.HandshakeRate <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_HANDSHAKE_RATE must be positive, got %v", cfg.HandshakeRate))
	}
	if cfg.HandshakeBurst <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_HANDSHAKE_BURST must be a positive integer, got %d", cfg.HandshakeBurst))
	}
	if cfg.PendingSnapshotInterval <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_PENDING_SNAPSHOT_INTERVAL must be a positive duration, got %s", cfg.PendingSnapshotInterval))
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_LOG_MAX_SIZE_MB must be a positive integer, got %d", cfg.Logging.MaxSizeMB))
	}
	if cfg.Logging.MaxBackups < 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_LOG_MAX_BACKUPS must be a non-negative integer, got %d", cfg.Logging.MaxBackups))
	}
	if cfg.Logging.MaxAgeDays < 0 {
		problems = append(problems, fmt.Sprintf("GATEWAY_LOG_MAX_AGE_DAYS must be a non-negative integer, got %d", cfg.Logging.MaxAgeDays))
	}
	if cfg.AuthSecret == "" && !cfg.AllowAnonymous {
		problems = append(problems, "GATEWAY_AUTH_SECRET is required unless GATEWAY_ALLOW_ANONYMOUS is set")
	}
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "GATEWAY_TLS_CERT and GATEWAY_TLS_KEY must be provided together")
	}
	return problems
}
