package store_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/auth"
	"github.com/gridtrade/escrow-engine/internal/inventory"
	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/store"
	"github.com/gridtrade/escrow-engine/internal/trade"
)

func setupPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	pg := store.NewPostgresStore(pool, 2*time.Second)
	if err := pg.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pg
}

func TestPostgres_SettlementRoundTrip(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	seller := auth.Caller{ID: "seller-" + suffix, Role: auth.RoleUser}
	buyer := auth.Caller{ID: "buyer-" + suffix, Role: auth.RoleUser}
	admin := auth.Caller{ID: "ops", Role: auth.RoleAdmin}

	opts := trade.DefaultOptions()
	opts.PlatformAccountID = "platform-" + suffix
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := trade.NewEngine(pg, nil, nil, opts)
	if err := engine.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, c := range []auth.Caller{seller, buyer} {
		if _, err := engine.OpenAccount(ctx, c); err != nil {
			t.Fatalf("open %s: %v", c.ID, err)
		}
	}
	if _, err := engine.Deposit(ctx, admin, buyer.ID, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	l, err := engine.CreateListing(ctx, seller, trade.CreateListingRequest{
		PricePerUnit:   decimal.NewFromInt(5),
		Units:          decimal.NewFromInt(10),
		AvailableUntil: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tr, err := engine.CreateTrade(ctx, buyer, trade.CreateTradeRequest{ListingID: l.ID, Units: decimal.NewFromInt(4)})
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if _, err := engine.ConfirmDelivery(ctx, seller, tr.ID); err != nil {
		t.Fatalf("delivery: %v", err)
	}
	if _, err := engine.ConfirmReceipt(ctx, buyer, tr.ID); err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if _, err := engine.ConfirmReceipt(ctx, buyer, tr.ID); !errors.Is(err, trade.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on retry, got %v", err)
	}

	got, err := pg.GetTrade(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TradeStatus != model.TradeCompleted || got.EscrowStatus != model.EscrowReleased {
		t.Errorf("expected completed/released, got %s/%s", got.TradeStatus, got.EscrowStatus)
	}
	if got.UnitsDelivered == nil || !got.UnitsDelivered.Equal(decimal.NewFromInt(4)) {
		t.Errorf("units delivered not persisted: %v", got.UnitsDelivered)
	}

	a, _ := pg.GetAccount(ctx, seller.ID)
	if !a.Balance.Equal(decimal.RequireFromString("19.5")) {
		t.Errorf("seller balance = %s, want 19.5", a.Balance)
	}
	entries, _ := pg.GetLedgerEntriesByAccount(ctx, buyer.ID)
	if len(entries) != 2 {
		t.Errorf("expected deposit and escrow lock entries for buyer, got %d", len(entries))
	}
}

func TestPostgres_NoOversell(t *testing.T) {
	pg := setupPostgres(t)
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	opts := trade.DefaultOptions()
	opts.PlatformAccountID = "platform-" + suffix
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.MaxRetries = 10
	engine := trade.NewEngine(pg, nil, nil, opts)
	if err := engine.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	seller := auth.Caller{ID: "seller-" + suffix}
	if _, err := engine.OpenAccount(ctx, seller); err != nil {
		t.Fatal(err)
	}
	l, err := engine.CreateListing(ctx, seller, trade.CreateListingRequest{
		PricePerUnit:   decimal.NewFromInt(1),
		Units:          decimal.NewFromInt(10),
		AvailableUntil: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	const buyers = 12
	callers := make([]auth.Caller, buyers)
	for i := range callers {
		callers[i] = auth.Caller{ID: fmt.Sprintf("buyer-%d-%s", i, suffix)}
		if _, err := engine.OpenAccount(ctx, callers[i]); err != nil {
			t.Fatal(err)
		}
		if _, err := engine.Deposit(ctx, auth.Caller{ID: "ops", Role: auth.RoleAdmin}, callers[i].ID, decimal.NewFromInt(10)); err != nil {
			t.Fatal(err)
		}
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, c := range callers {
		wg.Add(1)
		go func(c auth.Caller) {
			defer wg.Done()
			_, err := engine.CreateTrade(ctx, c, trade.CreateTradeRequest{ListingID: l.ID, Units: decimal.NewFromInt(3)})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, inventory.ErrInsufficientInventory) && !errors.Is(err, inventory.ErrListingUnavailable) {
				t.Errorf("unexpected error: %v", err)
			}
		}(c)
	}
	wg.Wait()

	if ok != 3 {
		t.Errorf("expected 3 successful trades, got %d", ok)
	}
	got, _ := pg.GetListing(ctx, l.ID)
	if !got.UnitsRemaining.Equal(decimal.NewFromInt(1)) {
		t.Errorf("units remaining = %s, want 1", got.UnitsRemaining)
	}
}
