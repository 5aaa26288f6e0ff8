package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/auth"
	"github.com/gridtrade/escrow-engine/internal/inventory"
	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/settlement"
	"github.com/gridtrade/escrow-engine/internal/store"
)

// CreateListingRequest is the JSON body for POST /listings.
type CreateListingRequest struct {
	PricePerUnit   decimal.Decimal `json:"price_per_unit"`
	Units          decimal.Decimal `json:"units"`
	AvailableFrom  time.Time       `json:"available_from"`
	AvailableUntil time.Time       `json:"available_until"`
}

// UpdateListingRequest is the JSON body for PATCH /listings/{id}. Nil
// fields are left unchanged.
type UpdateListingRequest struct {
	PricePerUnit   *decimal.Decimal `json:"price_per_unit,omitempty"`
	UnitsAvailable *decimal.Decimal `json:"units_available,omitempty"`
	AvailableFrom  *time.Time       `json:"available_from,omitempty"`
	AvailableUntil *time.Time       `json:"available_until,omitempty"`
	Cancel         bool             `json:"cancel,omitempty"`
}

// CreateListing offers the caller's surplus kWh. The seller must hold an
// account so settlement has somewhere to pay.
func (e *Engine) CreateListing(ctx context.Context, caller auth.Caller, req CreateListingRequest) (*model.Listing, error) {
	if caller.ID == "" {
		return nil, ErrUnauthorized
	}
	if !req.PricePerUnit.IsPositive() {
		return nil, fmt.Errorf("%w: price_per_unit must be positive", ErrInvalidRequest)
	}
	if !req.Units.IsPositive() {
		return nil, fmt.Errorf("%w: units must be positive", ErrInvalidRequest)
	}
	if err := checkPrice(req.PricePerUnit); err != nil {
		return nil, err
	}
	if err := checkUnits("units", req.Units); err != nil {
		return nil, err
	}

	var l *model.Listing
	err := e.run(ctx, "create_listing", func(tx store.Tx, now time.Time) error {
		from := req.AvailableFrom.UTC()
		if req.AvailableFrom.IsZero() {
			from = now
		}
		until := req.AvailableUntil.UTC()
		if !until.After(from) || !until.After(now) {
			return fmt.Errorf("%w: available_until must be after available_from and in the future", ErrInvalidRequest)
		}
		if _, err := tx.LockAccount(ctx, caller.ID); err != nil {
			return err
		}

		l = &model.Listing{
			ID:             uuid.NewString(),
			OwnerID:        caller.ID,
			PricePerUnit:   req.PricePerUnit,
			UnitsAvailable: req.Units,
			UnitsRemaining: req.Units,
			AvailableFrom:  from,
			AvailableUntil: until,
			Status:         model.ListingActive,
			CreatedAt:      now,
		}
		return tx.CreateListing(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("listing created",
		"listing_id", l.ID,
		"owner_id", l.OwnerID,
		"units", l.UnitsAvailable.String(),
		"price_per_unit", l.PricePerUnit.String(),
	)
	return l, nil
}

// UpdateListing applies a seller edit. Edits are refused while any
// non-terminal trade references the listing.
func (e *Engine) UpdateListing(ctx context.Context, caller auth.Caller, listingID string, req UpdateListingRequest) (*model.Listing, error) {
	var l *model.Listing
	err := e.run(ctx, "update_listing", func(tx store.Tx, now time.Time) error {
		var err error
		if l, err = tx.LockListing(ctx, listingID); err != nil {
			return err
		}
		if l.OwnerID != caller.ID {
			return fmt.Errorf("%w: only the owner edits a listing", ErrUnauthorized)
		}
		if l.Status == model.ListingCancelled {
			return fmt.Errorf("%w: listing %s is cancelled", ErrInvalidState, l.ID)
		}
		open, err := tx.CountOpenTrades(ctx, l.ID)
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: listing %s has %d open trades", ErrInvalidState, l.ID, open)
		}

		if req.PricePerUnit != nil {
			if !req.PricePerUnit.IsPositive() {
				return fmt.Errorf("%w: price_per_unit must be positive", ErrInvalidRequest)
			}
			if err := checkPrice(*req.PricePerUnit); err != nil {
				return err
			}
			l.PricePerUnit = *req.PricePerUnit
		}
		if req.UnitsAvailable != nil {
			if err := checkUnits("units_available", *req.UnitsAvailable); err != nil {
				return err
			}
			sold := l.UnitsAvailable.Sub(l.UnitsRemaining)
			if req.UnitsAvailable.LessThan(sold) || !req.UnitsAvailable.IsPositive() {
				return fmt.Errorf("%w: units_available must be positive and at least the %s already sold",
					ErrInvalidRequest, sold)
			}
			l.UnitsAvailable = *req.UnitsAvailable
			l.UnitsRemaining = req.UnitsAvailable.Sub(sold)
		}
		if req.AvailableFrom != nil {
			l.AvailableFrom = req.AvailableFrom.UTC()
		}
		if req.AvailableUntil != nil {
			l.AvailableUntil = req.AvailableUntil.UTC()
		}
		if !l.AvailableUntil.After(l.AvailableFrom) {
			return fmt.Errorf("%w: available_until must be after available_from", ErrInvalidRequest)
		}

		switch {
		case req.Cancel:
			l.Status = model.ListingCancelled
		case l.UnitsRemaining.IsZero():
			l.Status = model.ListingSold
		case !now.Before(l.AvailableUntil):
			l.Status = model.ListingExpired
		default:
			l.Status = model.ListingActive
		}
		return tx.UpdateListing(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("listing updated", "listing_id", l.ID, "status", l.Status)
	return l, nil
}

// GetListing returns one listing.
func (e *Engine) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return e.store.GetListing(ctx, id)
}

// ListListings returns listings, filtered by status when one is given.
func (e *Engine) ListListings(ctx context.Context, status string) ([]model.Listing, error) {
	s := model.ListingStatus(status)
	switch s {
	case "", model.ListingActive, model.ListingSold, model.ListingExpired, model.ListingCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown listing status %q", ErrInvalidRequest, status)
	}
	return e.store.ListListings(ctx, s)
}

// LapsedListingIDs returns active listings whose window has closed.
func (e *Engine) LapsedListingIDs(ctx context.Context, limit int) ([]string, error) {
	return e.store.ListLapsedListingIDs(ctx, e.now(), limit)
}

// ExpireListing closes an active listing past its window. It reports
// whether anything changed.
func (e *Engine) ExpireListing(ctx context.Context, listingID string) (bool, error) {
	var changed bool
	err := e.run(ctx, "expire_listing", func(tx store.Tx, now time.Time) error {
		var err error
		changed, err = inventory.Expire(ctx, tx, listingID, now)
		return err
	})
	if err == nil && changed {
		e.logger.Info("listing expired", "listing_id", listingID)
	}
	return changed, err
}

// checkPrice rejects prices finer than the money scale, which the store
// would otherwise round away.
func checkPrice(price decimal.Decimal) error {
	if !settlement.WithinScale(price, settlement.MoneyScale) {
		return fmt.Errorf("%w: price_per_unit %s has more than %d decimal places",
			ErrInvalidRequest, price, settlement.MoneyScale)
	}
	return nil
}

// checkUnits rejects kWh quantities finer than the unit scale.
func checkUnits(field string, units decimal.Decimal) error {
	if !settlement.WithinScale(units, settlement.UnitScale) {
		return fmt.Errorf("%w: %s %s has more than %d decimal places",
			ErrInvalidRequest, field, units, settlement.UnitScale)
	}
	return nil
}
