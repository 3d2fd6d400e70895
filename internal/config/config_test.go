package config_test

import (
	"testing"
	"time"

	"inventory-core/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("INVENTORY_DEFAULT_METHOD", "")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "FIFO", cfg.Inventory.DefaultMethod)
	assert.Equal(t, 5*time.Second, cfg.DB.LockTimeout)
	assert.Equal(t, time.Minute, cfg.Inventory.ExpirySweepInterval)
	assert.Equal(t, time.Hour, cfg.Inventory.AlertSuppression)
	assert.Equal(t, 30*time.Second, cfg.Push.PingInterval)
	assert.False(t, cfg.Inventory.CountShrinksReservations)
	assert.Empty(t, cfg.DB.URL)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("INVENTORY_DEFAULT_METHOD", "lifo")
	t.Setenv("INVENTORY_EXPIRY_SWEEP", "5s")
	t.Setenv("INVENTORY_COUNT_SHRINKS_RESERVATIONS", "true")
	t.Setenv("BUS_QUEUE_SIZE", "16")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "LIFO", cfg.Inventory.DefaultMethod)
	assert.Equal(t, 5*time.Second, cfg.Inventory.ExpirySweepInterval)
	assert.True(t, cfg.Inventory.CountShrinksReservations)
	assert.Equal(t, 16, cfg.Bus.QueueSize)
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]string{
		"INVENTORY_DEFAULT_METHOD": "RANDOM",
		"DB_LOCK_TIMEOUT":          "soon",
		"BUS_QUEUE_SIZE":           "1",
		"PUSH_PONG_WAIT":           "1s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := config.FromEnv()
			assert.Error(t, err)
		})
	}
}
