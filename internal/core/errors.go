package core

import (
	"context"
	"errors"
)

// ErrorKind groups errors by how callers should react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindValidation errors are rejected before any state is touched and never retried.
	KindValidation
	// KindDomain errors are business-rule refusals; the caller decides what to do.
	KindDomain
	// KindConsistency errors mean stored state disagrees with itself. Fatal for the operation.
	KindConsistency
	// KindConcurrency errors are transient and retried internally before surfacing.
	KindConcurrency
	// KindIntegration errors come from the store or the push transport.
	KindIntegration
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDomain:
		return "domain"
	case KindConsistency:
		return "consistency"
	case KindConcurrency:
		return "concurrency"
	case KindIntegration:
		return "integration"
	}
	return "unknown"
}

// Validation
var (
	ErrInvalidDelta    = errors.New("delta must be non-zero")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidKind     = errors.New("movement kind does not match the delta")
	ErrInvalidCost     = errors.New("unit cost is required and must be non-negative")
	ErrSameWarehouse   = errors.New("source and destination warehouse are the same")
	ErrUnknownMethod   = errors.New("unknown costing method")
	ErrMissingKey      = errors.New("product and warehouse are required")
)

// Domain
var (
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInsufficientAvailable = errors.New("insufficient available stock")
	ErrAlreadyTerminal       = errors.New("already in a terminal state")
	ErrNotFound              = errors.New("not found")
	ErrUnknownRow            = errors.New("no inventory row for product and warehouse")
)

// Consistency
var ErrInsufficientLayers = errors.New("cost layers do not cover the requested quantity")

// Concurrency
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// Integration
var (
	ErrStore     = errors.New("store error")
	ErrPushSend  = errors.New("push send failed")
	ErrTxAborted = errors.New("transaction already finished")
)

type errorClass struct {
	err  error
	kind ErrorKind
	code string
}

var errorClasses = []errorClass{
	{ErrInvalidDelta, KindValidation, "INVALID_DELTA"},
	{ErrInvalidQuantity, KindValidation, "INVALID_QUANTITY"},
	{ErrInvalidKind, KindValidation, "INVALID_KIND"},
	{ErrInvalidCost, KindValidation, "INVALID_COST"},
	{ErrSameWarehouse, KindValidation, "SAME_WAREHOUSE"},
	{ErrUnknownMethod, KindValidation, "UNKNOWN_METHOD"},
	{ErrMissingKey, KindValidation, "MISSING_KEY"},
	{ErrInsufficientStock, KindDomain, "INSUFFICIENT_STOCK"},
	{ErrInsufficientAvailable, KindDomain, "INSUFFICIENT_AVAILABLE"},
	{ErrAlreadyTerminal, KindDomain, "ALREADY_TERMINAL"},
	{ErrNotFound, KindDomain, "NOT_FOUND"},
	{ErrUnknownRow, KindDomain, "UNKNOWN_ROW"},
	{ErrInsufficientLayers, KindConsistency, "INSUFFICIENT_LAYERS"},
	{ErrConcurrencyConflict, KindConcurrency, "CONCURRENCY_CONFLICT"},
	{ErrStore, KindIntegration, "STORE_ERROR"},
	{ErrTxAborted, KindIntegration, "STORE_ERROR"},
	{ErrPushSend, KindIntegration, "PUSH_SEND_ERROR"},
}

// KindOf classifies err. Context cancellation is reported as KindIntegration.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindIntegration
	}
	return KindUnknown
}

// CodeOf returns the stable wire code for err, or "INTERNAL_ERROR".
func CodeOf(err error) string {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL_ERROR"
}

// IsRetryable reports whether the operation may succeed if run again unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
