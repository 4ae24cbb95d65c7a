package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Store drivers.
const (
	DriverSQLite       = "sqlite3"
	DriverSQLitePureGo = "sqlite"
	DriverBadger       = "badger"
	DriverMemory       = "memory"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout" validate:"gt=0"`
	// WriteTimeout bounds each websocket frame write after the handshake.
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`

	MaxMessageBytes int64 `mapstructure:"max_message_bytes" yaml:"max_message_bytes" validate:"gt=0"`
	// RateLimit is the number of messages a connection may submit per minute; 0 disables it.
	RateLimit    int `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	OutboxSize   int `mapstructure:"outbox_size" yaml:"outbox_size" validate:"gt=0"`
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit" validate:"gt=0"`

	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Recovery RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`
}

// StoreConfig selects and locates the message log.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite3 sqlite badger memory"`
	// URL is a database file for sqlite drivers and a directory for badger.
	URL string `mapstructure:"url" yaml:"url" validate:"required_unless=Driver memory"`
	// AuthToken is the badger encryption key.
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token" validate:"required_if=Driver badger"`
}

// RecoveryConfig controls connection state recovery.
type RecoveryConfig struct {
	Window     time.Duration `mapstructure:"window" yaml:"window" validate:"gte=0"`
	BufferSize int           `mapstructure:"buffer_size" yaml:"buffer_size" validate:"gt=0"`
	// Secret signs recovery tokens. A generated config file gets a random one.
	Secret     string        `mapstructure:"secret" yaml:"secret" validate:"required,min=16"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":3000",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		LogLevel:          "info",
		MaxMessageBytes:   64 << 10,
		RateLimit:         120,
		OutboxSize:        256,
		HistoryLimit:      500,
		Store: StoreConfig{
			Driver: DriverSQLite,
			URL:    "relay.db",
		},
		Recovery: RecoveryConfig{
			Window:     2 * time.Minute,
			BufferSize: 1024,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Store.Driver != "" {
		c.Store.Driver = other.Store.Driver
	}
	if other.Store.URL != "" {
		c.Store.URL = other.Store.URL
	}
	if other.Store.AuthToken != "" {
		c.Store.AuthToken = other.Store.AuthToken
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	err := validate.Struct(c)

	var errs []error
	if err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	if c.Store.Driver == DriverBadger && c.Store.AuthToken != "" {
		switch len(c.Store.AuthToken) {
		case 16, 24, 32:
		default:
			errs = append(errs, errors.New("Config.Store.AuthToken: badger encryption key must be 16, 24 or 32 bytes"))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}
