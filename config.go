package textrace

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Session      SessionConfig      `yaml:"session"`
	Certificates CertificatesConfig `yaml:"certificates"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SessionConfig contains identity provider and session configuration
type SessionConfig struct {
	SigningKey        string        `yaml:"signing_key"`
	Issuer            string        `yaml:"issuer"`
	TTL               time.Duration `yaml:"ttl"`
	StoragePath       string        `yaml:"storage_path"`
	RestoreTimeout    time.Duration `yaml:"restore_timeout"`
	MinPasswordLength int           `yaml:"min_password_length"`
	BcryptCost        int           `yaml:"bcrypt_cost"`
	UseHashid         bool          `yaml:"use_hashid"`
}

// CertificatesConfig contains certificate lifecycle configuration
type CertificatesConfig struct {
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	ConfirmationDelay   time.Duration `yaml:"confirmation_delay"`
	FailureRate         float64       `yaml:"failure_rate"`
	MaxIDAttempts       int           `yaml:"max_id_attempts"`
	ReconcileAfter      time.Duration `yaml:"reconcile_after"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	dir := defaultDataDir()
	return &Config{
		Database: DatabaseConfig{
			DSN: "file:" + filepath.Join(dir, "textrace.db") + "?cache=shared",
		},
		Session: SessionConfig{
			SigningKey:        "textrace-development-signing-key",
			Issuer:            "textrace",
			TTL:               24 * time.Hour,
			StoragePath:       filepath.Join(dir, "session.json"),
			RestoreTimeout:    DefaultRestoreTimeout,
			MinPasswordLength: DefaultMinPasswordLength,
			BcryptCost:        defaultPasswordHashCost,
		},
		Certificates: CertificatesConfig{
			ConfirmationTimeout: DefaultConfirmationTimeout,
			ConfirmationDelay:   3 * time.Second,
			MaxIDAttempts:       DefaultMaxIDAttempts,
			ReconcileAfter:      2 * DefaultConfirmationTimeout,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Database),
		validation.Field(&c.Session),
		validation.Field(&c.Certificates),
		validation.Field(&c.Logging),
	)
}

func (c DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DSN, validation.Required),
	)
}

func (c SessionConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SigningKey, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.TTL, validation.Min(time.Minute)),
		validation.Field(&c.StoragePath, validation.Required),
		validation.Field(&c.RestoreTimeout, validation.Required, validation.Min(100*time.Millisecond)),
		validation.Field(&c.MinPasswordLength, validation.Min(1)),
		validation.Field(&c.BcryptCost, validation.Min(4), validation.Max(31)),
	)
}

func (c CertificatesConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ConfirmationTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.ConfirmationDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.FailureRate, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.MaxIDAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.ReconcileAfter, validation.Min(time.Duration(0))),
	)
}

func (c LoggingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
	)
}

// LoadConfig reads a YAML file over DefaultConfig. An empty path yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read config file").
			WithMetadata(map[string]any{"path": path})
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to parse config file").
			WithMetadata(map[string]any{"path": path})
	}

	if err := cfg.Validate(); err != nil {
		return nil, newValidationError("invalid configuration", validationFields(err))
	}

	return cfg, nil
}

// LoadConfigWithEnv loads configuration from a file and applies TEXTRACE_*
// environment variable overrides.
func LoadConfigWithEnv(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	// Validate again after env overrides
	if err := cfg.Validate(); err != nil {
		return nil, newValidationError("invalid configuration after env overrides", validationFields(err))
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return newValidationError("invalid duration in environment", map[string]any{key: v})
		}
		*dst = d
		return nil
	}

	str("TEXTRACE_DB_DSN", &cfg.Database.DSN)
	str("TEXTRACE_SESSION_SIGNING_KEY", &cfg.Session.SigningKey)
	str("TEXTRACE_SESSION_FILE", &cfg.Session.StoragePath)
	str("TEXTRACE_LOG_LEVEL", &cfg.Logging.Level)

	if err := dur("TEXTRACE_SESSION_TTL", &cfg.Session.TTL); err != nil {
		return err
	}
	if err := dur("TEXTRACE_CONFIRMATION_TIMEOUT", &cfg.Certificates.ConfirmationTimeout); err != nil {
		return err
	}
	if err := dur("TEXTRACE_CONFIRMATION_DELAY", &cfg.Certificates.ConfirmationDelay); err != nil {
		return err
	}

	if v, ok := lookup("TEXTRACE_FAILURE_RATE"); ok && v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return newValidationError("invalid failure rate in environment", map[string]any{"TEXTRACE_FAILURE_RATE": v})
		}
		cfg.Certificates.FailureRate = rate
	}

	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "textrace")
	}
	return ".textrace"
}
