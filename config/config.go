// Package config loads server settings from the environment and an optional
// config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverTables = "tables"
)

// DefaultAllowedOrigins are the browser origins accepted when ALLOWED_ORIGINS is unset.
var DefaultAllowedOrigins = []string{
	"http://localhost:5173",
	"http://localhost:3000",
	"https://real-time-collaborative-taskboard.vercel.app",
}

// Config holds every setting the server reads. Field tags name the
// environment variable that sets each one.
type Config struct {
	Port           int      `mapstructure:"PORT" validate:"gt=0,lt=65536"`
	Debug          bool     `mapstructure:"DEBUG"`
	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS" validate:"min=1,dive,required"`

	StorageDriver           string        `mapstructure:"STORAGE_DRIVER" validate:"oneof=memory sqlite tables"`
	StorageConnectionString string        `mapstructure:"STORAGE_CONNECTION_STRING" validate:"required_if=StorageDriver tables"`
	TasksTable              string        `mapstructure:"TASKS_TABLE" validate:"required_if=StorageDriver tables"`
	SQLitePath              string        `mapstructure:"SQLITE_PATH" validate:"required_if=StorageDriver sqlite"`
	JournalQueue            string        `mapstructure:"JOURNAL_QUEUE"`
	RedisConnectionString   string        `mapstructure:"REDIS_CONNECTION_STRING"`
	TasksCacheTTL           time.Duration `mapstructure:"TASKS_CACHE_TTL" validate:"gt=0"`
	BoardUpdatesChannel     string        `mapstructure:"BOARD_UPDATES_CHANNEL" validate:"required"`

	BroadcastScope string        `mapstructure:"BROADCAST_SCOPE" validate:"oneof=global owner"`
	OutboundBuffer int           `mapstructure:"OUTBOUND_BUFFER" validate:"gt=0"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT" validate:"gt=0"`

	Auth0Domain           string        `mapstructure:"AUTH0_DOMAIN"`
	Auth0Audience         string        `mapstructure:"AUTH0_AUDIENCE"`
	Auth0TestMode         string        `mapstructure:"AUTH0_TEST_MODE"`
	TestJWTSecret         string        `mapstructure:"TEST_JWT_SECRET"`
	LocalAuthMode         string        `mapstructure:"LOCAL_AUTH_MODE" validate:"omitempty,oneof=hs256 HS256"`
	LocalAuthSharedSecret string        `mapstructure:"LOCAL_AUTH_SHARED_SECRET"`
	JWKSCacheTTL          time.Duration `mapstructure:"JWKS_CACHE_TTL" validate:"gt=0"`
}

var defaults = map[string]any{
	"PORT":                      5000,
	"DEBUG":                     false,
	"ALLOWED_ORIGINS":           DefaultAllowedOrigins,
	"STORAGE_DRIVER":            DriverMemory,
	"STORAGE_CONNECTION_STRING": "",
	"TASKS_TABLE":               "Tasks",
	"SQLITE_PATH":               "taskboard.db",
	"JOURNAL_QUEUE":             "",
	"REDIS_CONNECTION_STRING":   "",
	"TASKS_CACHE_TTL":           30 * time.Second,
	"BOARD_UPDATES_CHANNEL":     "board-updates",
	"BROADCAST_SCOPE":           "global",
	"OUTBOUND_BUFFER":           64,
	"WRITE_TIMEOUT":             10 * time.Second,
	"AUTH0_DOMAIN":              "",
	"AUTH0_AUDIENCE":            "",
	"AUTH0_TEST_MODE":           "",
	"TEST_JWT_SECRET":           "",
	"LOCAL_AUTH_MODE":           "",
	"LOCAL_AUTH_SHARED_SECRET":  "",
	"JWKS_CACHE_TTL":            15 * time.Minute,
}

// Load reads and validates the configuration. Environment variables
// override values from the file at path, which is optional.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation. Maintenance commands use it since they
// only need a subset of the settings.
func Read(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.BroadcastScope = strings.ToLower(strings.TrimSpace(cfg.BroadcastScope))
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(authRules, Config{})
	return v
}

// Validate checks field constraints and the authentication mode.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func authRules(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	switch {
	case c.LocalAuthMode != "":
		if c.LocalAuthSharedSecret == "" {
			sl.ReportError(c.LocalAuthSharedSecret, "LocalAuthSharedSecret", "LOCAL_AUTH_SHARED_SECRET", "required_with_local_auth", "")
		}
	case c.Auth0TestMode == "1":
		if c.TestJWTSecret == "" {
			sl.ReportError(c.TestJWTSecret, "TestJWTSecret", "TEST_JWT_SECRET", "required_in_test_mode", "")
		}
	default:
		if c.Auth0Domain == "" {
			sl.ReportError(c.Auth0Domain, "Auth0Domain", "AUTH0_DOMAIN", "required_for_jwks", "")
		}
		if c.Auth0Audience == "" {
			sl.ReportError(c.Auth0Audience, "Auth0Audience", "AUTH0_AUDIENCE", "required_for_jwks", "")
		}
	}
}

// SharedSecret returns the HS256 secret when a shared secret mode is
// enabled, nil when tokens are verified against the JWKS.
func (c *Config) SharedSecret() []byte {
	switch {
	case c.LocalAuthMode != "":
		return []byte(c.LocalAuthSharedSecret)
	case c.Auth0TestMode == "1":
		return []byte(c.TestJWTSecret)
	}
	return nil
}

// JWKSURL is the key set endpoint of the Auth0 tenant.
func (c *Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

// Issuer is the expected iss claim, empty when no tenant is configured.
func (c *Config) Issuer() string {
	if c.Auth0Domain == "" {
		return ""
	}
	return "https://" + c.Auth0Domain + "/"
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
