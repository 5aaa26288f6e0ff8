// Package ledger moves money between account balances inside a store
// transaction. Every movement locks the account row for the
// read-modify-write and appends an immutable journal entry, so no balance
// is ever observed negative and every change is auditable.
//
// The ledger never interprets sign: callers choose Debit or Credit and pass
// a non-negative amount.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrNegativeAmount is returned when a caller passes amount < 0.
	ErrNegativeAmount = errors.New("ledger: amount must be non-negative")
)

// Movement describes why a balance changes; it becomes the journal line.
type Movement struct {
	TradeID string
	Kind    model.EntryKind
}

// Debit removes amount from the account. Fails with ErrInsufficientFunds
// if the balance is lower than amount.
func Debit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, m Movement, at time.Time) (*model.Account, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	return apply(ctx, tx, accountID, amount.Neg(), m, at)
}

// Credit adds amount to the account.
func Credit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, m Movement, at time.Time) (*model.Account, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	return apply(ctx, tx, accountID, amount, m, at)
}

// LockAll takes row locks on the given accounts in a stable order.
// Transactions that touch several accounts call this first so that two
// transactions never wait on each other's locks in opposite order.
func LockAll(ctx context.Context, tx store.Tx, accountIDs ...string) error {
	ids := make([]string, 0, len(accountIDs))
	seen := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func apply(ctx context.Context, tx store.Tx, accountID string, delta decimal.Decimal, m Movement, at time.Time) (*model.Account, error) {
	acct, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	balance := acct.Balance.Add(delta)
	if balance.IsNegative() {
		return nil, fmt.Errorf("%w: account %s has %s, needs %s",
			ErrInsufficientFunds, accountID, acct.Balance, delta.Neg())
	}

	if delta.IsZero() {
		return acct, nil
	}

	if err := tx.UpdateAccountBalance(ctx, accountID, balance, at); err != nil {
		return nil, err
	}

	entry := &model.LedgerEntry{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		TradeID:      m.TradeID,
		Kind:         m.Kind,
		Amount:       delta,
		BalanceAfter: balance,
		CreatedAt:    at,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	acct.Balance = balance
	acct.UpdatedAt = at
	return acct, nil
}
