package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/model"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func seedAccount(t *testing.T, s *MemoryStore, id, balance string) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateAccount(context.Background(), &model.Account{
			ID:        id,
			Balance:   decimal.RequireFromString(balance),
			CreatedAt: t0,
			UpdatedAt: t0,
		})
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", "10")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.UpdateAccountBalance(ctx, "alice", decimal.NewFromInt(99), t0); err != nil {
			return err
		}
		// The transaction sees its own staged write.
		a, err := tx.LockAccount(ctx, "alice")
		if err != nil {
			return err
		}
		if !a.Balance.Equal(decimal.NewFromInt(99)) {
			t.Errorf("expected staged balance 99, got %s", a.Balance)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	a, _ := s.GetAccount(ctx, "alice")
	if !a.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("rollback leaked write: balance %s", a.Balance)
	}
}

func TestMemoryStore_DuplicateAccount(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", "0")
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateAccount(context.Background(), &model.Account{ID: "alice"})
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryStore_SettleEscrowOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	entry := &model.EscrowEntry{TradeID: "t1", BuyerID: "bob", Amount: decimal.NewFromInt(20), Status: model.EscrowLocked, CreatedAt: t0}

	if err := s.InTx(ctx, func(tx Tx) error { return tx.InsertEscrowEntry(ctx, entry) }); err != nil {
		t.Fatal(err)
	}
	settle := func(status model.EscrowStatus) error {
		return s.InTx(ctx, func(tx Tx) error { return tx.SettleEscrowEntry(ctx, "t1", status, t0) })
	}
	if err := settle(model.EscrowReleased); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if err := settle(model.EscrowRefunded); !errors.Is(err, ErrEscrowSettled) {
		t.Errorf("expected ErrEscrowSettled, got %v", err)
	}

	summary, _ := s.GetEscrowSummary(ctx)
	if summary.LockedCount != 0 || !summary.ByStatus[model.EscrowReleased].Equal(decimal.NewFromInt(20)) {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestMemoryStore_ExpiredTradeCandidates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	trades := []*model.Trade{
		{ID: "late", TradeStatus: model.TradeDelivering, EscrowStatus: model.EscrowLocked, DeliveryDeadline: t0.Add(-2 * time.Hour)},
		{ID: "later", TradeStatus: model.TradeDelivering, EscrowStatus: model.EscrowLocked, DeliveryDeadline: t0.Add(-time.Hour)},
		{ID: "confirming", TradeStatus: model.TradeCompleting, EscrowStatus: model.EscrowLocked, DeliveryDeadline: t0.Add(-time.Hour)},
		{ID: "on-time", TradeStatus: model.TradeDelivering, EscrowStatus: model.EscrowLocked, DeliveryDeadline: t0.Add(time.Hour)},
	}
	err := s.InTx(ctx, func(tx Tx) error {
		for _, tr := range trades {
			if err := tx.InsertTrade(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ids, _ := s.ListExpiredTradeIDs(ctx, t0, 0)
	if len(ids) != 2 || ids[0] != "late" || ids[1] != "later" {
		t.Errorf("expected [late later], got %v", ids)
	}
	ids, _ = s.ListExpiredTradeIDs(ctx, t0, 1)
	if len(ids) != 1 {
		t.Errorf("limit not applied: %v", ids)
	}
}

func TestMemoryStore_CountOpenTrades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx Tx) error {
		for id, status := range map[string]model.TradeStatus{
			"a": model.TradeDelivering,
			"b": model.TradeDisputed,
			"c": model.TradeCompleted,
			"d": model.TradeFailed,
		} {
			if err := tx.InsertTrade(ctx, &model.Trade{ID: id, ListingID: "l1", TradeStatus: status}); err != nil {
				return err
			}
		}
		n, err := tx.CountOpenTrades(ctx, "l1")
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("expected 2 open trades, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
