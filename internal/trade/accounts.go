package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/auth"
	"github.com/gridtrade/escrow-engine/internal/ledger"
	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/settlement"
	"github.com/gridtrade/escrow-engine/internal/store"
)

// Bootstrap creates the platform revenue account if it does not exist.
func (e *Engine) Bootstrap(ctx context.Context) error {
	_, err := e.ensureAccount(ctx, e.opts.PlatformAccountID)
	return err
}

func (e *Engine) ensureAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := e.openAccount(ctx, id)
	if errors.Is(err, store.ErrAlreadyExists) {
		return e.store.GetAccount(ctx, id)
	}
	return a, err
}

func (e *Engine) openAccount(ctx context.Context, id string) (*model.Account, error) {
	var a *model.Account
	err := e.run(ctx, "open_account", func(tx store.Tx, now time.Time) error {
		a = &model.Account{ID: id, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
		return tx.CreateAccount(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// OpenAccount creates a zero-balance account for the caller.
func (e *Engine) OpenAccount(ctx context.Context, caller auth.Caller) (*model.Account, error) {
	if caller.ID == "" {
		return nil, ErrUnauthorized
	}
	a, err := e.openAccount(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("account opened", "account_id", a.ID)
	return a, nil
}

// GetAccount returns an account to its owner or an admin.
func (e *Engine) GetAccount(ctx context.Context, caller auth.Caller, id string) (*model.Account, error) {
	if caller.ID != id && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: account belongs to another user", ErrUnauthorized)
	}
	return e.store.GetAccount(ctx, id)
}

// Journal returns an account's ledger entries, oldest first.
func (e *Engine) Journal(ctx context.Context, caller auth.Caller, id string) ([]model.LedgerEntry, error) {
	if caller.ID != id && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: account belongs to another user", ErrUnauthorized)
	}
	if _, err := e.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return e.store.GetLedgerEntriesByAccount(ctx, id)
}

// Deposit credits funds to an account. It stands in for a payment gateway
// and is restricted to admins.
func (e *Engine) Deposit(ctx context.Context, caller auth.Caller, accountID string, amount decimal.Decimal) (*model.Account, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", ErrUnauthorized)
	}
	if !amount.IsPositive() || !settlement.WithinScale(amount, settlement.MoneyScale) {
		return nil, fmt.Errorf("%w: amount must be positive with at most %d decimal places",
			ErrInvalidRequest, settlement.MoneyScale)
	}

	var a *model.Account
	err := e.run(ctx, "deposit", func(tx store.Tx, now time.Time) error {
		var err error
		a, err = ledger.Credit(ctx, tx, accountID, amount, ledger.Movement{Kind: model.EntryDeposit}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("deposit", "account_id", accountID, "amount", amount.String(), "admin_id", caller.ID)
	return a, nil
}

// GetTrade returns a trade to its buyer, its seller, or an admin.
func (e *Engine) GetTrade(ctx context.Context, caller auth.Caller, id string) (*model.Trade, error) {
	t, err := e.store.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != caller.ID && t.SellerID != caller.ID && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: not a party to trade %s", ErrUnauthorized, id)
	}
	return t, nil
}

// Readings returns the meter legs recorded for a trade.
func (e *Engine) Readings(ctx context.Context, caller auth.Caller, id string) ([]model.MeterReading, error) {
	if _, err := e.GetTrade(ctx, caller, id); err != nil {
		return nil, err
	}
	return e.store.GetMeterReadings(ctx, id)
}

// ListTrades returns the caller's trades as buyer or seller.
func (e *Engine) ListTrades(ctx context.Context, caller auth.Caller) ([]model.Trade, error) {
	return e.store.ListTradesByUser(ctx, caller.ID)
}

// ExpiredTradeIDs lists candidates for FailExpired.
func (e *Engine) ExpiredTradeIDs(ctx context.Context, limit int) ([]string, error) {
	return e.store.ListExpiredTradeIDs(ctx, e.now(), limit)
}

// EscrowSummary reports escrowed money by status. Admin only.
func (e *Engine) EscrowSummary(ctx context.Context, caller auth.Caller) (*model.EscrowSummary, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", ErrUnauthorized)
	}
	return e.store.GetEscrowSummary(ctx)
}
