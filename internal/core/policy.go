package core

import (
	"time"

	"inventory-core/internal/config"
	"inventory-core/internal/events"

	"go.uber.org/zap"
)

// Policy holds the tunable behaviour of the mutation services.
type Policy struct {
	DefaultMethod        CostingMethod
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	AlertSuppression     time.Duration
	// CountShrinksReservations lets SetOnHand release reservations that a physical
	// count no longer covers, newest first, instead of failing with ErrInsufficientStock.
	CountShrinksReservations bool
	// ReservationTTL is applied to reservations created without an expiry. Zero means none.
	ReservationTTL time.Duration
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		DefaultMethod:        MethodFIFO,
		RetryMaxAttempts:     4,
		RetryInitialInterval: 20 * time.Millisecond,
		RetryMaxInterval:     500 * time.Millisecond,
		AlertSuppression:     time.Hour,
	}
}

// PolicyFromConfig maps the inventory section of the process configuration.
func PolicyFromConfig(c config.InventoryConfig) (Policy, error) {
	method, err := ParseCostingMethod(c.DefaultMethod)
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		DefaultMethod:            method,
		RetryMaxAttempts:         c.RetryMaxAttempts,
		RetryInitialInterval:     c.RetryInitialInterval,
		RetryMaxInterval:         c.RetryMaxInterval,
		AlertSuppression:         c.AlertSuppression,
		CountShrinksReservations: c.CountShrinksReservations,
		ReservationTTL:           c.ReservationTTL,
	}, nil
}

// Deps are the collaborators shared by the core services.
type Deps struct {
	Store  Store
	Bus    *events.Bus
	Clock  Clock
	Logger *zap.Logger
	Policy Policy
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Policy.DefaultMethod == "" {
		d.Policy.DefaultMethod = MethodFIFO
	}
	if d.Policy.RetryMaxAttempts < 1 {
		d.Policy.RetryMaxAttempts = 1
	}
	if d.Policy.RetryInitialInterval <= 0 {
		d.Policy.RetryInitialInterval = 20 * time.Millisecond
	}
	if d.Policy.RetryMaxInterval <= 0 {
		d.Policy.RetryMaxInterval = 500 * time.Millisecond
	}
	if d.Policy.AlertSuppression <= 0 {
		d.Policy.AlertSuppression = time.Hour
	}
	return d
}
