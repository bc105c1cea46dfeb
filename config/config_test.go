package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "fake", cfg.Provider.Mode)
	assert.Equal(t, 15*time.Minute, cfg.Booking.FlightHold)
	assert.Equal(t, 30*time.Minute, cfg.Booking.DefaultHold)
	assert.Equal(t, 3, cfg.Finalization.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Finalization.BaseBackoff)
	assert.Equal(t, 30*time.Second, cfg.Finalization.MaxBackoff)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FINALIZE_MAX_ATTEMPTS", "5")
	t.Setenv("FINALIZE_BASE_BACKOFF", "2")
	t.Setenv("FLIGHT_HOLD_DURATION", "10m")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DB_MAX_OPEN_CONNS", "50")

	cfg := Load()

	assert.Equal(t, 5, cfg.Finalization.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Finalization.BaseBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Booking.FlightHold)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)
}

func TestGetEnvDurationInvalidFallsBack(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("SOME_DURATION", time.Minute))
}

func TestValidateRefusesFakeModesInProduction(t *testing.T) {
	t.Setenv("ENV", "production")

	err := Load().Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_MODE")
	assert.Contains(t, err.Error(), "GATEWAY_WEBHOOK_SECRET")
	assert.Contains(t, err.Error(), "PROVIDER_MODE")
}

func TestValidateProduction(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name: "live modes",
			env: map[string]string{
				"GATEWAY_MODE": "live", "GATEWAY_WEBHOOK_SECRET": "whsec", "PROVIDER_MODE": "live",
			},
		},
		{
			name: "fake gateway",
			env: map[string]string{
				"GATEWAY_MODE": "fake", "GATEWAY_WEBHOOK_SECRET": "whsec", "PROVIDER_MODE": "live",
			},
			wantErr: "GATEWAY_MODE",
		},
		{
			name: "fake provider",
			env: map[string]string{
				"GATEWAY_MODE": "live", "GATEWAY_WEBHOOK_SECRET": "whsec", "PROVIDER_MODE": "fake",
			},
			wantErr: "PROVIDER_MODE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", "production")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			err := Load().Validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAllowsFakeModesOutsideProduction(t *testing.T) {
	cfg := Load()

	assert.NoError(t, cfg.Validate())
}
