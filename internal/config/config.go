package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the callsignal server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir        string
	HTTPPort       int
	TLSCert        string
	TLSKey         string
	LogLevel       string
	LogFormat      string // log output format: "text" or "json"
	CORSOrigins    string
	JWTSecret      string // hex-encoded 32-byte secret for JWT signing
	DBDriver       string // "sqlite" or "postgres"
	DBDSN          string // postgres connection string
	JoinBaseURL    string // base of call room links, e.g. "https://app.example.com"
	RingTimeout    time.Duration
	Countdown      time.Duration
	Lookback       int
	FCMCredentials string // path to a Firebase service-account JSON file
	PushEnabled    bool
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultHTTPPort    = 8080
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultDBDriver    = "sqlite"
	defaultRingTimeout = 90 * time.Second
	defaultCountdown   = 90 * time.Second
	defaultLookback    = 50

	maxLookback = 200
)

// envPrefix is the prefix for all callsignal environment variables.
const envPrefix = "CALLSIGNAL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callsignal", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.DBDriver, "db-driver", defaultDBDriver, "message store driver (sqlite, postgres)")
	fs.StringVar(&cfg.DBDSN, "db-dsn", "", "postgres connection string (required for db-driver=postgres)")
	fs.StringVar(&cfg.JoinBaseURL, "join-base-url", "", "base URL of call room links (defaults to http://localhost:<http-port>)")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", defaultRingTimeout, "how long an incoming call alert stays up")
	fs.DurationVar(&cfg.Countdown, "countdown", defaultCountdown, "how long a lone participant stays before the call is ended")
	fs.IntVar(&cfg.Lookback, "lookback", defaultLookback, "recent channel messages searched when ending a call")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "path to a Firebase service-account JSON file")
	fs.BoolVar(&cfg.PushEnabled, "push-enabled", false, "send ring push notifications through FCM")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		switch f.Name {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "db-driver":
			cfg.DBDriver = val
		case "db-dsn":
			cfg.DBDSN = val
		case "join-base-url":
			cfg.JoinBaseURL = val
		case "ring-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.RingTimeout = v
			}
		case "countdown":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.Countdown = v
			}
		case "lookback":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Lookback = v
			}
		case "fcm-credentials":
			cfg.FCMCredentials = val
		case "push-enabled":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.PushEnabled = v
			}
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	c.DBDriver = strings.ToLower(c.DBDriver)
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("db-dsn is required when db-driver is postgres")
		}
	default:
		return fmt.Errorf("db-driver must be one of sqlite, postgres; got %q", c.DBDriver)
	}

	if c.RingTimeout <= 0 {
		return fmt.Errorf("ring-timeout must be positive, got %s", c.RingTimeout)
	}
	if c.Countdown <= 0 {
		return fmt.Errorf("countdown must be positive, got %s", c.Countdown)
	}
	if c.Lookback < 1 || c.Lookback > maxLookback {
		return fmt.Errorf("lookback must be between 1 and %d, got %d", maxLookback, c.Lookback)
	}

	if c.JoinBaseURL == "" {
		scheme := "http"
		if c.TLSEnabled() {
			scheme = "https"
		}
		c.JoinBaseURL = fmt.Sprintf("%s://localhost:%d", scheme, c.HTTPPort)
	}
	u, err := url.Parse(c.JoinBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("join-base-url must be an absolute URL, got %q", c.JoinBaseURL)
	}
	c.JoinBaseURL = strings.TrimRight(c.JoinBaseURL, "/")

	return nil
}

// TLSEnabled returns true if TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
