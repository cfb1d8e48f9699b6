package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "STRIPE_API_KEY", "sk_test_abc123")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "stripe", cfg.Gateway)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultGatewayTimeout, cfg.GatewayTimeout)
}

func TestLoad_MissingStripeKey(t *testing.T) {
	setEnv(t, "STRIPE_API_KEY", "")
	setEnv(t, "GATEWAY", "stripe")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_API_KEY is required")
}

func TestLoad_FakeGateway(t *testing.T) {
	setEnv(t, "STRIPE_API_KEY", "")
	setEnv(t, "GATEWAY", "fake")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "fake", cfg.Gateway)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid stripe config",
			config: Config{
				Gateway:       "stripe",
				StripeAPIKey:  "sk_test_abc",
				SweepInterval: time.Minute,
			},
			wantErr: "",
		},
		{
			name: "missing stripe key",
			config: Config{
				Gateway:       "stripe",
				SweepInterval: time.Minute,
			},
			wantErr: "STRIPE_API_KEY is required",
		},
		{
			name: "fake gateway in production",
			config: Config{
				Gateway:       "fake",
				Env:           "production",
				SweepInterval: time.Minute,
			},
			wantErr: "not allowed in production",
		},
		{
			name: "unknown gateway",
			config: Config{
				Gateway:       "paypal",
				SweepInterval: time.Minute,
			},
			wantErr: "GATEWAY must be stripe or fake",
		},
		{
			name: "sweep interval too small",
			config: Config{
				Gateway:       "fake",
				Env:           "development",
				SweepInterval: 100 * time.Millisecond,
			},
			wantErr: "SWEEP_INTERVAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "30s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 30*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}
