package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/auth"
	"github.com/gridtrade/escrow-engine/internal/inventory"
	"github.com/gridtrade/escrow-engine/internal/ledger"
	"github.com/gridtrade/escrow-engine/internal/metrics"
	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/notify"
	"github.com/gridtrade/escrow-engine/internal/settlement"
	"github.com/gridtrade/escrow-engine/internal/store"
)

// CreateTradeRequest is the JSON body for POST /trades.
type CreateTradeRequest struct {
	ListingID string          `json:"listing_id"`
	Units     decimal.Decimal `json:"units"`
}

// CreateTrade reserves units on a listing and locks the buyer's payment in
// escrow. Reservation, debit and trade insert commit together or not at all.
func (e *Engine) CreateTrade(ctx context.Context, caller auth.Caller, req CreateTradeRequest) (*model.Trade, error) {
	if caller.ID == "" {
		return nil, ErrUnauthorized
	}
	if req.ListingID == "" {
		return nil, fmt.Errorf("%w: listing_id is required", ErrInvalidRequest)
	}
	if !req.Units.IsPositive() {
		return nil, fmt.Errorf("%w: units must be positive", ErrInvalidRequest)
	}
	if err := checkUnits("units", req.Units); err != nil {
		return nil, err
	}

	var t *model.Trade
	err := e.run(ctx, "create", func(tx store.Tx, now time.Time) error {
		listing, err := inventory.Reserve(ctx, tx, req.ListingID, req.Units, now)
		if err != nil {
			return err
		}
		if listing.OwnerID == caller.ID {
			return fmt.Errorf("%w: cannot buy from own listing", ErrUnauthorized)
		}

		total := settlement.Total(req.Units, listing.PricePerUnit)
		if !total.IsPositive() {
			return fmt.Errorf("%w: %s units at %s rounds to a zero total",
				ErrInvalidRequest, req.Units, listing.PricePerUnit)
		}

		id := uuid.NewString()
		if _, err := ledger.Debit(ctx, tx, caller.ID, total,
			ledger.Movement{TradeID: id, Kind: model.EntryEscrowLock}, now); err != nil {
			return err
		}

		t = &model.Trade{
			ID:               id,
			ListingID:        listing.ID,
			SellerID:         listing.OwnerID,
			BuyerID:          caller.ID,
			UnitsRequested:   req.Units,
			PricePerUnit:     listing.PricePerUnit,
			TotalAmount:      total,
			PlatformFee:      settlement.Fee(total, e.opts.FeeRate),
			FeeCollected:     decimal.Zero,
			TradeStatus:      model.TradeDelivering,
			EscrowStatus:     model.EscrowLocked,
			DeliveryDeadline: now.Add(e.opts.DeliveryTimeout),
			CreatedAt:        now,
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return err
		}
		return tx.InsertEscrowEntry(ctx, &model.EscrowEntry{
			TradeID:   id,
			BuyerID:   caller.ID,
			Amount:    total,
			Status:    model.EscrowLocked,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesCreated.Inc()
	e.logger.Info("trade created",
		"trade_id", t.ID,
		"listing_id", t.ListingID,
		"buyer_id", t.BuyerID,
		"seller_id", t.SellerID,
		"units", t.UnitsRequested.String(),
		"total", t.TotalAmount.String(),
		"fee", t.PlatformFee.String(),
	)
	e.notifyParties(ctx, t, notify.EventTradeCreated, t.CreatedAt,
		fmt.Sprintf("%s locked in escrow for %s kWh", t.TotalAmount.StringFixed(settlement.MoneyScale), t.UnitsRequested),
		fmt.Sprintf("new order for %s kWh; deliver by %s", t.UnitsRequested, t.DeliveryDeadline.Format(time.RFC3339)),
	)
	return t, nil
}

// ConfirmDelivery records the seller's outgoing meter leg. No money moves.
func (e *Engine) ConfirmDelivery(ctx context.Context, caller auth.Caller, tradeID string) (*model.Trade, error) {
	var t *model.Trade
	err := e.run(ctx, "confirm_delivery", func(tx store.Tx, now time.Time) error {
		var err error
		if t, err = tx.LockTrade(ctx, tradeID); err != nil {
			return err
		}
		if t.SellerID != caller.ID {
			return fmt.Errorf("%w: only the seller confirms delivery", ErrUnauthorized)
		}
		if t.TradeStatus != model.TradeDelivering {
			return invalidState(t, model.TradeDelivering)
		}
		if now.After(t.DeliveryDeadline) {
			return fmt.Errorf("%w: delivery deadline passed at %s",
				ErrInvalidState, t.DeliveryDeadline.Format(time.RFC3339))
		}

		kwh, err := e.meter.Reading(ctx, t, model.LegOutgoing)
		if err != nil {
			return fmt.Errorf("read outgoing meter: %w", err)
		}
		if err := checkReading(model.LegOutgoing, kwh); err != nil {
			return err
		}
		if err := tx.InsertMeterReading(ctx, &model.MeterReading{
			TradeID:    t.ID,
			Leg:        model.LegOutgoing,
			KWhValue:   kwh,
			RecordedAt: now,
		}); err != nil {
			return err
		}

		t.TradeStatus = model.TradeCompleting
		t.DeliveryConfirmedAt = &now
		return tx.UpdateTrade(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("delivery confirmed", "trade_id", t.ID, "seller_id", t.SellerID)
	e.notifyParties(ctx, t, notify.EventDeliveryConfirmed, *t.DeliveryConfirmedAt,
		"seller reports delivery; confirm receipt to release payment",
		"delivery recorded; awaiting buyer confirmation",
	)
	return t, nil
}

// ConfirmReceipt records the buyer's incoming leg and settles the escrow
// pro rata to the outgoing reading.
func (e *Engine) ConfirmReceipt(ctx context.Context, caller auth.Caller, tradeID string) (*model.Trade, error) {
	var (
		t     *model.Trade
		split settlement.Split
	)
	err := e.run(ctx, "confirm_receipt", func(tx store.Tx, now time.Time) error {
		var err error
		if t, err = tx.LockTrade(ctx, tradeID); err != nil {
			return err
		}
		if t.BuyerID != caller.ID {
			return fmt.Errorf("%w: only the buyer confirms receipt", ErrUnauthorized)
		}
		if t.TradeStatus != model.TradeCompleting {
			return invalidState(t, model.TradeCompleting)
		}
		if err := ledger.LockAll(ctx, tx, t.SellerID, t.BuyerID, e.opts.PlatformAccountID); err != nil {
			return err
		}

		out, err := tx.GetMeterReading(ctx, t.ID, model.LegOutgoing)
		if err != nil {
			return fmt.Errorf("outgoing leg: %w", err)
		}
		kwh, err := e.meter.Reading(ctx, t, model.LegIncoming)
		if err != nil {
			return fmt.Errorf("read incoming meter: %w", err)
		}
		if err := checkReading(model.LegIncoming, kwh); err != nil {
			return err
		}
		if err := tx.InsertMeterReading(ctx, &model.MeterReading{
			TradeID:    t.ID,
			Leg:        model.LegIncoming,
			KWhValue:   kwh,
			RecordedAt: now,
		}); err != nil {
			return err
		}

		delivered := out.KWhValue
		ratio := settlement.Ratio(delivered, t.UnitsRequested)
		status := model.EscrowPartial
		if ratio.GreaterThanOrEqual(e.opts.DeliveryThreshold) {
			status = model.EscrowReleased
		}
		split, err = e.settle(ctx, tx, t, ratio, delivered, status, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logSettlement("receipt confirmed", t, split)
	e.notifyParties(ctx, t, notify.EventReceiptConfirmed, *t.PaymentReleasedAt,
		fmt.Sprintf("trade settled; refunded %s", split.Refund.StringFixed(settlement.MoneyScale)),
		fmt.Sprintf("trade settled; paid %s", split.Seller.StringFixed(settlement.MoneyScale)),
	)
	return t, nil
}

// RaiseDispute freezes a trade awaiting the buyer's confirmation until an
// admin resolves it. Settled trades cannot be disputed.
func (e *Engine) RaiseDispute(ctx context.Context, caller auth.Caller, tradeID, reason string) (*model.Trade, error) {
	reason = strings.TrimSpace(reason)
	var t *model.Trade
	err := e.run(ctx, "raise_dispute", func(tx store.Tx, now time.Time) error {
		var err error
		if t, err = tx.LockTrade(ctx, tradeID); err != nil {
			return err
		}
		if t.BuyerID != caller.ID {
			return fmt.Errorf("%w: only the buyer raises a dispute", ErrUnauthorized)
		}
		if t.TradeStatus != model.TradeCompleting {
			return invalidState(t, model.TradeCompleting)
		}
		t.TradeStatus = model.TradeDisputed
		t.DisputeReason = reason
		return tx.UpdateTrade(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("dispute raised", "trade_id", t.ID, "buyer_id", t.BuyerID, "reason", reason)
	e.notifyParties(ctx, t, notify.EventDisputeRaised, e.now(),
		"dispute opened; an administrator will review",
		"buyer disputed delivery; payment is on hold",
	)
	return t, nil
}

// ResolveDispute settles a disputed trade according to an admin ruling.
func (e *Engine) ResolveDispute(ctx context.Context, caller auth.Caller, tradeID string, res Resolution) (*model.Trade, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", ErrUnauthorized)
	}
	if res == nil {
		return nil, fmt.Errorf("%w: resolution is required", ErrInvalidResolution)
	}

	var (
		t     *model.Trade
		split settlement.Split
	)
	err := e.run(ctx, "resolve_dispute", func(tx store.Tx, now time.Time) error {
		var err error
		if t, err = tx.LockTrade(ctx, tradeID); err != nil {
			return err
		}
		if t.TradeStatus != model.TradeDisputed {
			return invalidState(t, model.TradeDisputed)
		}
		delivered, err := res.delivered(t.UnitsRequested)
		if err != nil {
			return err
		}
		if err := ledger.LockAll(ctx, tx, t.SellerID, t.BuyerID, e.opts.PlatformAccountID); err != nil {
			return err
		}
		ratio := settlement.Ratio(delivered, t.UnitsRequested)
		split, err = e.settle(ctx, tx, t, ratio, delivered, res.escrowStatus(), now)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logSettlement("dispute resolved", t, split, "resolution", res.String(), "admin_id", caller.ID)
	e.notifyParties(ctx, t, notify.EventDisputeResolved, *t.PaymentReleasedAt,
		fmt.Sprintf("dispute resolved (%s); refunded %s", res, split.Refund.StringFixed(settlement.MoneyScale)),
		fmt.Sprintf("dispute resolved (%s); paid %s", res, split.Seller.StringFixed(settlement.MoneyScale)),
	)
	return t, nil
}

// FailExpired refunds a trade whose seller never confirmed delivery before
// the deadline and returns its units to the listing. The state is re-read
// under the trade lock, so a trade already handled yields ErrInvalidState
// and nothing moves.
func (e *Engine) FailExpired(ctx context.Context, tradeID string) (*model.Trade, error) {
	var t *model.Trade
	err := e.run(ctx, "fail_expired", func(tx store.Tx, now time.Time) error {
		var err error
		if t, err = tx.LockTrade(ctx, tradeID); err != nil {
			return err
		}
		if t.TradeStatus != model.TradeDelivering || t.EscrowStatus != model.EscrowLocked {
			return fmt.Errorf("%w: trade %s is %s/%s", ErrInvalidState, t.ID, t.TradeStatus, t.EscrowStatus)
		}
		if !t.DeliveryDeadline.Before(now) {
			return fmt.Errorf("%w: trade %s deadline %s not reached",
				ErrInvalidState, t.ID, t.DeliveryDeadline.Format(time.RFC3339))
		}

		if _, err := inventory.Release(ctx, tx, t.ListingID, t.UnitsRequested, now); err != nil {
			return err
		}
		if _, err := ledger.Credit(ctx, tx, t.BuyerID, t.TotalAmount,
			ledger.Movement{TradeID: t.ID, Kind: model.EntryRefund}, now); err != nil {
			return err
		}
		if err := tx.SettleEscrowEntry(ctx, t.ID, model.EscrowRefunded, now); err != nil {
			return err
		}

		t.TradeStatus = model.TradeFailed
		t.EscrowStatus = model.EscrowRefunded
		t.FeeCollected = decimal.Zero
		return tx.UpdateTrade(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	metrics.SettledAmount.WithLabelValues("buyer").Add(t.TotalAmount.InexactFloat64())
	e.logger.Info("trade expired",
		"trade_id", t.ID,
		"buyer_id", t.BuyerID,
		"refund", t.TotalAmount.String(),
		"deadline", t.DeliveryDeadline,
	)
	e.notifyParties(ctx, t, notify.EventTradeExpired, e.now(),
		fmt.Sprintf("delivery deadline passed; refunded %s", t.TotalAmount.StringFixed(settlement.MoneyScale)),
		"delivery deadline passed; trade cancelled and units returned to listing",
	)
	return t, nil
}

// settle pays out a trade's escrow for ratio and closes it. Callers hold
// the trade lock and have locked all three accounts.
func (e *Engine) settle(ctx context.Context, tx store.Tx, t *model.Trade, ratio, delivered decimal.Decimal, status model.EscrowStatus, now time.Time) (settlement.Split, error) {
	if t.EscrowStatus != model.EscrowLocked {
		return settlement.Split{}, fmt.Errorf("%w: escrow for trade %s already %s", ErrInvalidState, t.ID, t.EscrowStatus)
	}

	split, err := settlement.Settle(t.TotalAmount, t.PlatformFee, ratio)
	if err != nil {
		return settlement.Split{}, err
	}

	payouts := []struct {
		account string
		amount  decimal.Decimal
		kind    model.EntryKind
	}{
		{t.SellerID, split.Seller, model.EntrySettlement},
		{t.BuyerID, split.Refund, model.EntryRefund},
		{e.opts.PlatformAccountID, split.Fee, model.EntryFee},
	}
	for _, p := range payouts {
		if !p.amount.IsPositive() {
			continue
		}
		if _, err := ledger.Credit(ctx, tx, p.account, p.amount,
			ledger.Movement{TradeID: t.ID, Kind: p.kind}, now); err != nil {
			return settlement.Split{}, err
		}
	}

	if err := tx.SettleEscrowEntry(ctx, t.ID, status, now); err != nil {
		if errors.Is(err, store.ErrEscrowSettled) {
			return settlement.Split{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return settlement.Split{}, err
	}

	t.UnitsDelivered = &delivered
	t.FeeCollected = split.Fee
	t.EscrowStatus = status
	t.TradeStatus = model.TradeCompleted
	t.PaymentReleasedAt = &now
	return split, tx.UpdateTrade(ctx, t)
}

func checkReading(leg model.MeterLeg, kwh decimal.Decimal) error {
	if kwh.IsNegative() {
		return fmt.Errorf("%w: negative %s reading %s", ErrInvalidRequest, leg, kwh)
	}
	return checkUnits(string(leg)+" reading", kwh)
}

func (e *Engine) logSettlement(msg string, t *model.Trade, split settlement.Split, extra ...any) {
	metrics.SettledAmount.WithLabelValues("seller").Add(split.Seller.InexactFloat64())
	metrics.SettledAmount.WithLabelValues("buyer").Add(split.Refund.InexactFloat64())
	metrics.SettledAmount.WithLabelValues("platform").Add(split.Fee.InexactFloat64())

	args := []any{
		"trade_id", t.ID,
		"escrow_status", t.EscrowStatus,
		"total", t.TotalAmount.String(),
		"seller_amount", split.Seller.String(),
		"refund", split.Refund.String(),
		"fee", split.Fee.String(),
	}
	e.logger.Info(msg, append(args, extra...)...)
}
