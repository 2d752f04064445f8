package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Environment:        "development",
		DatabaseURL:        "postgres://localhost/timeclock",
		StorageDriver:      StorageDriverPostgres,
		TOTPIssuer:         "Fichaje",
		MaxBodyBytes:       65536,
		RateLimitPerMinute: 60,
		LockoutMaxFailures: 5,
		LockoutWindow:      5 * time.Minute,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid defaults"},
		{name: "postgres without url", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: true},
		{name: "memory without url", mutate: func(c *Config) { c.StorageDriver = StorageDriverMemory; c.DatabaseURL = "" }},
		{name: "memory in production", mutate: func(c *Config) {
			c.StorageDriver = StorageDriverMemory
			c.Environment = "production"
			c.JWTSecret = "s"
			c.DataEncryptionKey = "k"
		}, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.StorageDriver = "sqlite" }, wantErr: true},
		{name: "production without key", mutate: func(c *Config) { c.Environment = "production"; c.JWTSecret = "s" }, wantErr: true},
		{name: "production complete", mutate: func(c *Config) {
			c.Environment = "production"
			c.JWTSecret = "s"
			c.DataEncryptionKey = "k"
		}},
		{name: "kafka without topic", mutate: func(c *Config) { c.KafkaBrokers = []string{"localhost:9092"} }, wantErr: true},
		{name: "zero lockout window", mutate: func(c *Config) { c.LockoutWindow = 0 }, wantErr: true},
		{name: "email without smtp", mutate: func(c *Config) { c.EmailEnabled = true }, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "MEMORY")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("LOCKOUT_WINDOW", "90s")
	t.Setenv("LOCKOUT_MAX_FAILURES", "not-a-number")

	cfg := Load()
	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.LockoutWindow)
	assert.Equal(t, 5, cfg.LockoutMaxFailures)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Config{LogLevel: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, Config{LogLevel: "warning"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Config{LogLevel: ""}.SlogLevel())
}
