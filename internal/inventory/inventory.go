// Package inventory reserves and releases kWh against a listing inside a
// store transaction. The listing row is locked for the check-and-mutate so
// two buyers racing for the same remaining units cannot oversell it.
//
// A listing's window is open while now < available_until; at
// available_until itself it is closed.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/store"
)

var (
	// ErrInsufficientInventory is returned when more units are requested
	// than the listing has remaining.
	ErrInsufficientInventory = errors.New("inventory: insufficient units remaining")

	// ErrListingUnavailable is returned when the listing is not active or
	// its availability window has ended.
	ErrListingUnavailable = errors.New("inventory: listing unavailable")

	// ErrInvalidUnits is returned for a non-positive unit count.
	ErrInvalidUnits = errors.New("inventory: units must be positive")
)

// Reserve takes units from the listing. The listing flips to sold when
// nothing remains.
func Reserve(ctx context.Context, tx store.Tx, listingID string, units decimal.Decimal, now time.Time) (*model.Listing, error) {
	if !units.IsPositive() {
		return nil, ErrInvalidUnits
	}

	l, err := tx.LockListing(ctx, listingID)
	if err != nil {
		return nil, err
	}

	if l.Status != model.ListingActive {
		return nil, fmt.Errorf("%w: listing %s is %s", ErrListingUnavailable, l.ID, l.Status)
	}
	if !windowOpen(l, now) {
		return nil, fmt.Errorf("%w: listing %s closed at %s",
			ErrListingUnavailable, l.ID, l.AvailableUntil.Format(time.RFC3339))
	}
	if units.GreaterThan(l.UnitsRemaining) {
		return nil, fmt.Errorf("%w: requested %s, remaining %s",
			ErrInsufficientInventory, units, l.UnitsRemaining)
	}

	l.UnitsRemaining = l.UnitsRemaining.Sub(units)
	if l.UnitsRemaining.IsZero() {
		l.Status = model.ListingSold
	}

	if err := tx.UpdateListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Release returns units to the listing after a failed trade. The listing
// becomes active again only while its window is still open; otherwise it
// is left expired. A cancelled listing stays cancelled.
func Release(ctx context.Context, tx store.Tx, listingID string, units decimal.Decimal, now time.Time) (*model.Listing, error) {
	if !units.IsPositive() {
		return nil, ErrInvalidUnits
	}

	l, err := tx.LockListing(ctx, listingID)
	if err != nil {
		return nil, err
	}

	l.UnitsRemaining = l.UnitsRemaining.Add(units)
	if l.UnitsRemaining.GreaterThan(l.UnitsAvailable) {
		l.UnitsRemaining = l.UnitsAvailable
	}

	if l.Status != model.ListingCancelled {
		if windowOpen(l, now) {
			l.Status = model.ListingActive
		} else {
			l.Status = model.ListingExpired
		}
	}

	if err := tx.UpdateListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Expire marks an active listing whose window has ended as expired. It
// reports whether the listing changed.
func Expire(ctx context.Context, tx store.Tx, listingID string, now time.Time) (bool, error) {
	l, err := tx.LockListing(ctx, listingID)
	if err != nil {
		return false, err
	}
	if l.Status != model.ListingActive || windowOpen(l, now) {
		return false, nil
	}

	l.Status = model.ListingExpired
	if err := tx.UpdateListing(ctx, l); err != nil {
		return false, err
	}
	return true, nil
}

func windowOpen(l *model.Listing, now time.Time) bool {
	return now.Before(l.AvailableUntil)
}
