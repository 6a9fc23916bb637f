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
	setEnv(t, "PORT", "9090")
	setEnv(t, "START_HEIGHT", "100")
	setEnv(t, "BLOCK_TIME", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, uint64(100), cfg.StartHeight)
	assert.Equal(t, 2*time.Second, cfg.BlockTime)
	assert.Equal(t, DefaultDenom, cfg.DefaultDenom)
	assert.Equal(t, DefaultVault, cfg.VaultAccount)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, uint64(1), cfg.StartHeight)
	assert.Equal(t, time.Duration(0), cfg.BlockTime)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				DefaultDenom: "untrn",
				VaultAccount: DefaultVault,
				RateLimitRPS: 100,
			},
			wantErr: "",
		},
		{
			name: "missing denom",
			config: Config{
				VaultAccount: DefaultVault,
				RateLimitRPS: 100,
			},
			wantErr: "DEFAULT_DENOM",
		},
		{
			name: "missing vault account",
			config: Config{
				DefaultDenom: "untrn",
				RateLimitRPS: 100,
			},
			wantErr: "VAULT_ACCOUNT",
		},
		{
			name: "production requires admin secret",
			config: Config{
				Env:          "production",
				DefaultDenom: "untrn",
				VaultAccount: DefaultVault,
				RateLimitRPS: 100,
			},
			wantErr: "ADMIN_SECRET",
		},
		{
			name: "non-positive rate limit",
			config: Config{
				DefaultDenom: "untrn",
				VaultAccount: DefaultVault,
				RateLimitRPS: 0,
			},
			wantErr: "RATE_LIMIT_RPS",
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

func TestGetEnvUint64(t *testing.T) {
	setEnv(t, "TEST_UINT", "42")
	setEnv(t, "TEST_NEG", "-1")

	assert.Equal(t, uint64(42), getEnvUint64("TEST_UINT", 0))
	assert.Equal(t, uint64(7), getEnvUint64("NONEXISTENT_VAR", 7))
	assert.Equal(t, uint64(7), getEnvUint64("TEST_NEG", 7))
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "500ms")
	setEnv(t, "TEST_BAD_DUR", "fast")

	assert.Equal(t, 500*time.Millisecond, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
}
