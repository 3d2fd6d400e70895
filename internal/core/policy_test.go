package core_test

import (
	"testing"
	"time"

	"inventory-core/internal/config"
	"inventory-core/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyFromConfig(t *testing.T) {
	p, err := core.PolicyFromConfig(config.InventoryConfig{
		DefaultMethod:            "lifo",
		RetryMaxAttempts:         6,
		RetryInitialInterval:     10 * time.Millisecond,
		RetryMaxInterval:         time.Second,
		AlertSuppression:         30 * time.Minute,
		CountShrinksReservations: true,
		ReservationTTL:           2 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, core.MethodLIFO, p.DefaultMethod)
	assert.Equal(t, 6, p.RetryMaxAttempts)
	assert.Equal(t, 10*time.Millisecond, p.RetryInitialInterval)
	assert.Equal(t, time.Second, p.RetryMaxInterval)
	assert.Equal(t, 30*time.Minute, p.AlertSuppression)
	assert.True(t, p.CountShrinksReservations)
	assert.Equal(t, 2*time.Hour, p.ReservationTTL)

	_, err = core.PolicyFromConfig(config.InventoryConfig{DefaultMethod: "HIFO"})
	assert.ErrorIs(t, err, core.ErrUnknownMethod)
}
