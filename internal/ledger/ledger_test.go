package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/ledger"
	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedAccount(t *testing.T, ms *store.MemoryStore, id, balance string) {
	t.Helper()
	now := time.Now().UTC()
	err := ms.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateAccount(context.Background(), &model.Account{
			ID: id, Balance: d(balance), CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func TestDebit_Success(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "buyer", "100")
	ctx := context.Background()

	err := ms.InTx(ctx, func(tx store.Tx) error {
		acct, err := ledger.Debit(ctx, tx, "buyer", d("20"),
			ledger.Movement{TradeID: "t1", Kind: model.EntryEscrowLock}, time.Now())
		if err != nil {
			return err
		}
		if !acct.Balance.Equal(d("80")) {
			t.Errorf("expected balance=80 inside tx, got %s", acct.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acct, _ := ms.GetAccount(ctx, "buyer")
	if !acct.Balance.Equal(d("80")) {
		t.Errorf("expected balance=80, got %s", acct.Balance)
	}

	entries, _ := ms.GetLedgerEntriesByAccount(ctx, "buyer")
	if len(entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(entries))
	}
	if !entries[0].Amount.Equal(d("-20")) || !entries[0].BalanceAfter.Equal(d("80")) {
		t.Errorf("unexpected journal entry: %+v", entries[0])
	}
	if entries[0].TradeID != "t1" || entries[0].Kind != model.EntryEscrowLock {
		t.Errorf("unexpected journal metadata: %+v", entries[0])
	}
}

func TestDebit_InsufficientFundsLeavesBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "buyer", "10")
	ctx := context.Background()

	err := ms.InTx(ctx, func(tx store.Tx) error {
		_, err := ledger.Debit(ctx, tx, "buyer", d("10.01"), ledger.Movement{}, time.Now())
		return err
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	acct, _ := ms.GetAccount(ctx, "buyer")
	if !acct.Balance.Equal(d("10")) {
		t.Errorf("balance should be unchanged, got %s", acct.Balance)
	}
	entries, _ := ms.GetLedgerEntriesByAccount(ctx, "buyer")
	if len(entries) != 0 {
		t.Errorf("expected no journal entries, got %d", len(entries))
	}
}

func TestCredit_NegativeAmountRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "seller", "0")
	ctx := context.Background()

	err := ms.InTx(ctx, func(tx store.Tx) error {
		_, err := ledger.Credit(ctx, tx, "seller", d("-1"), ledger.Movement{}, time.Now())
		return err
	})
	if !errors.Is(err, ledger.ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestCredit_ZeroIsNoop(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "seller", "5")
	ctx := context.Background()

	err := ms.InTx(ctx, func(tx store.Tx) error {
		_, err := ledger.Credit(ctx, tx, "seller", decimal.Zero, ledger.Movement{Kind: model.EntryRefund}, time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, _ := ms.GetLedgerEntriesByAccount(ctx, "seller")
	if len(entries) != 0 {
		t.Errorf("zero credit should not journal, got %d entries", len(entries))
	}
}

func TestDebit_UnknownAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	err := ms.InTx(ctx, func(tx store.Tx) error {
		_, err := ledger.Debit(ctx, tx, "ghost", d("1"), ledger.Movement{}, time.Now())
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDebit_ConcurrentNeverNegative(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "buyer", "100")
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ms.InTx(ctx, func(tx store.Tx) error {
				_, err := ledger.Debit(ctx, tx, "buyer", d("7"), ledger.Movement{}, time.Now())
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ledger.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 14 {
		t.Errorf("expected 14 successful debits of 7 from 100, got %d", succeeded)
	}
	acct, _ := ms.GetAccount(ctx, "buyer")
	if !acct.Balance.Equal(d("2")) {
		t.Errorf("expected balance=2, got %s", acct.Balance)
	}
}

func TestLockAll_UnknownAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a", "1")
	ctx := context.Background()

	err := ms.InTx(ctx, func(tx store.Tx) error {
		return ledger.LockAll(ctx, tx, "a", "a", "", "b")
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing account, got %v", err)
	}
}
