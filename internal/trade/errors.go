package trade

import (
	"errors"

	"github.com/gridtrade/escrow-engine/internal/inventory"
	"github.com/gridtrade/escrow-engine/internal/ledger"
	"github.com/gridtrade/escrow-engine/internal/store"
)

var (
	// ErrInvalidState is returned when a trade is not in the state the
	// requested transition starts from. Retried or duplicate transitions
	// surface this once the first call has succeeded.
	ErrInvalidState = errors.New("trade: invalid state for transition")

	// ErrUnauthorized is returned when the caller does not hold the role
	// the operation requires.
	ErrUnauthorized = errors.New("trade: caller not authorized")

	// ErrInvalidResolution is returned for a malformed dispute resolution.
	ErrInvalidResolution = errors.New("trade: invalid resolution")

	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("trade: invalid request")

	// ErrBusy is returned when lock contention outlasts the retry budget.
	// The caller may retry.
	ErrBusy = errors.New("trade: busy, retry later")
)

// Code maps an engine error to the stable code clients switch on.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, inventory.ErrInsufficientInventory):
		return "INSUFFICIENT_INVENTORY"
	case errors.Is(err, inventory.ErrListingUnavailable):
		return "LISTING_UNAVAILABLE"
	case errors.Is(err, ErrInvalidState), errors.Is(err, store.ErrEscrowSettled):
		return "INVALID_STATE"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrInvalidResolution):
		return "INVALID_RESOLUTION"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, inventory.ErrInvalidUnits),
		errors.Is(err, store.ErrInvalidValue),
		errors.Is(err, ledger.ErrNegativeAmount):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrBusy):
		return "BUSY"
	case errors.Is(err, store.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, store.ErrAlreadyExists):
		return "ALREADY_EXISTS"
	default:
		return "INTERNAL"
	}
}
