package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultConfig(t *testing.T) {
	req := require.New(t)
	logger := zerolog.Nop()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, resolved, err := Load(&logger, path)
	req.NoError(err)
	req.Equal(path, resolved)
	req.GreaterOrEqual(len(cfg.Recovery.Secret), 16)

	want := Default()
	want.Recovery.Secret = cfg.Recovery.Secret
	req.Equal(want, cfg)

	_, err = os.Stat(path)
	req.NoError(err)

	// the written file loads back to the same values
	again, _, err := Load(&logger, path)
	req.NoError(err)
	req.Equal(cfg, again)
	req.NoError(again.Validate())

	// every generated file gets its own signing secret
	other, _, err := Load(&logger, filepath.Join(t.TempDir(), "config.yaml"))
	req.NoError(err)
	req.NotEqual(cfg.Recovery.Secret, other.Recovery.Secret)
}

func TestDefaultHasNoRecoverySecret(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "Secret")
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	req := require.New(t)
	logger := zerolog.Nop()
	path := filepath.Join(t.TempDir(), "config.yaml")

	data := []byte(`
addr: ":9000"
store:
  driver: badger
  url: /var/lib/relay
recovery:
  window: 30s
`)
	req.NoError(os.WriteFile(path, data, 0o600))

	t.Setenv("RELAY_STORE_URL", "/tmp/relay-data")
	t.Setenv("RELAY_RATE_LIMIT", "5")
	t.Setenv("RELAY_WRITE_TIMEOUT", "3s")

	cfg, _, err := Load(&logger, path)
	req.NoError(err)
	req.Equal(":9000", cfg.Addr)
	req.Equal(DriverBadger, cfg.Store.Driver)
	req.Equal("/tmp/relay-data", cfg.Store.URL)
	req.Equal(5, cfg.RateLimit)
	req.Equal(3*time.Second, cfg.WriteTimeout)
	req.Equal(Default().HandshakeTimeout, cfg.HandshakeTimeout)
	req.Equal(30*time.Second, cfg.Recovery.Window)
	req.Equal(Default().Recovery.BufferSize, cfg.Recovery.BufferSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "memory store needs no url", mutate: func(c *Config) {
			c.Store.Driver = DriverMemory
			c.Store.URL = ""
		}},
		{name: "sqlite without url", mutate: func(c *Config) { c.Store.URL = "" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "postgres" }, wantErr: true},
		{name: "badger without key", mutate: func(c *Config) {
			c.Store.Driver = DriverBadger
			c.Store.URL = "data"
		}, wantErr: true},
		{name: "badger with short key", mutate: func(c *Config) {
			c.Store.Driver = DriverBadger
			c.Store.URL = "data"
			c.Store.AuthToken = "short"
		}, wantErr: true},
		{name: "badger with aes-128 key", mutate: func(c *Config) {
			c.Store.Driver = DriverBadger
			c.Store.URL = "data"
			c.Store.AuthToken = "0123456789abcdef"
		}},
		{name: "weak recovery secret", mutate: func(c *Config) { c.Recovery.Secret = "abc" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
		{name: "zero outbox", mutate: func(c *Config) { c.OutboxSize = 0 }, wantErr: true},
		{name: "missing recovery secret", mutate: func(c *Config) { c.Recovery.Secret = "" }, wantErr: true},
		{name: "zero write timeout", mutate: func(c *Config) { c.WriteTimeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Recovery.Secret = "test-recovery-secret"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestUpdateFrom(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{Addr: ":1", Store: StoreConfig{Driver: DriverMemory}})

	require.Equal(t, ":1", cfg.Addr)
	require.Equal(t, DriverMemory, cfg.Store.Driver)
	require.Equal(t, Default().Store.URL, cfg.Store.URL)
	require.Equal(t, Default().ShutdownTimeout, cfg.ShutdownTimeout)
}
