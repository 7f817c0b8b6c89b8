package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend kinds understood by the application wiring.
const (
	BackendSurreal = "surreal"
	BackendLocal   = "local"
)

// Provider exposes configuration values to the rest of the application.
// Components depend on this interface rather than on *Config so tests can
// supply their own values.
type Provider interface {
	GetBackend() string
	GetDBURL() string
	GetDBNs() string
	GetDBDb() string
	GetDBUser() string
	GetDBPass() string
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration
	GetLocalDataPath() string
	GetSessionFile() string
	GetHeartbeatInterval() time.Duration
	GetTypingQuietInterval() time.Duration
	GetStaleThreshold() time.Duration
	GetHTTPAddr() string
	GetLogFormat() string
	GetLogLevel() string
}

// Config holds all configuration for the application.
type Config struct {
	Backend string

	DBUrl            string
	DBNs             string
	DBDb             string
	DBUser           string
	DBPass           string
	DBQueryTimeout   time.Duration
	DBExecuteTimeout time.Duration

	LocalDataPath string
	SessionFile   string

	HeartbeatInterval   time.Duration
	TypingQuietInterval time.Duration
	StaleThreshold      time.Duration

	HTTPAddr  string
	LogFormat string
	LogLevel  string
}

// Default returns a configuration with the design values filled in.
func Default() *Config {
	return &Config{
		Backend:             BackendLocal,
		DBQueryTimeout:      5 * time.Second,
		DBExecuteTimeout:    10 * time.Second,
		LocalDataPath:       ":memory:",
		HeartbeatInterval:   30 * time.Second,
		TypingQuietInterval: 3 * time.Second,
		StaleThreshold:      60 * time.Second,
		HTTPAddr:            "127.0.0.1:8787",
		LogFormat:           "text",
		LogLevel:            "info",
	}
}

// New loads configuration from an optional .env file and environment variables.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv builds a configuration from the current environment on top of Default.
func FromEnv() (*Config, error) {
	cfg := Default()

	setString(&cfg.Backend, "CHATSYNC_BACKEND")
	setString(&cfg.DBUrl, "SURREAL_URL")
	setString(&cfg.DBNs, "SURREAL_NS")
	setString(&cfg.DBDb, "SURREAL_DB")
	setString(&cfg.DBUser, "SURREAL_USER")
	setString(&cfg.DBPass, "SURREAL_PASS")
	setString(&cfg.LocalDataPath, "CHATSYNC_DATA_PATH")
	setString(&cfg.SessionFile, "CHATSYNC_SESSION_FILE")
	setString(&cfg.HTTPAddr, "CHATSYNC_HTTP_ADDR")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	var errs []error
	errs = append(errs,
		setDuration(&cfg.DBQueryTimeout, "DB_QUERY_TIMEOUT"),
		setDuration(&cfg.DBExecuteTimeout, "DB_EXECUTE_TIMEOUT"),
		setDuration(&cfg.HeartbeatInterval, "CHATSYNC_HEARTBEAT_INTERVAL"),
		setDuration(&cfg.TypingQuietInterval, "CHATSYNC_TYPING_QUIET"),
		setDuration(&cfg.StaleThreshold, "CHATSYNC_STALE_THRESHOLD"),
	)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the values required by the selected backend are present.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendSurreal:
		if c.DBUrl == "" || c.DBNs == "" || c.DBDb == "" {
			return errors.New("required environment variables SURREAL_URL, SURREAL_NS, or SURREAL_DB are not set")
		}
	case BackendLocal:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendSurreal, BackendLocal)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("CHATSYNC_HEARTBEAT_INTERVAL must be a positive duration")
	}
	if c.TypingQuietInterval <= 0 {
		return errors.New("CHATSYNC_TYPING_QUIET must be a positive duration")
	}
	if c.StaleThreshold < c.HeartbeatInterval {
		return errors.New("CHATSYNC_STALE_THRESHOLD must not be shorter than the heartbeat interval")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func (c *Config) GetBackend() string                    { return c.Backend }
func (c *Config) GetDBURL() string                      { return c.DBUrl }
func (c *Config) GetDBNs() string                       { return c.DBNs }
func (c *Config) GetDBDb() string                       { return c.DBDb }
func (c *Config) GetDBUser() string                     { return c.DBUser }
func (c *Config) GetDBPass() string                     { return c.DBPass }
func (c *Config) GetDBQueryTimeout() time.Duration      { return c.DBQueryTimeout }
func (c *Config) GetDBExecuteTimeout() time.Duration    { return c.DBExecuteTimeout }
func (c *Config) GetLocalDataPath() string              { return c.LocalDataPath }
func (c *Config) GetSessionFile() string                { return c.SessionFile }
func (c *Config) GetHeartbeatInterval() time.Duration   { return c.HeartbeatInterval }
func (c *Config) GetTypingQuietInterval() time.Duration { return c.TypingQuietInterval }
func (c *Config) GetStaleThreshold() time.Duration      { return c.StaleThreshold }
func (c *Config) GetHTTPAddr() string                   { return c.HTTPAddr }
func (c *Config) GetLogFormat() string                  { return c.LogFormat }
func (c *Config) GetLogLevel() string                   { return c.LogLevel }
