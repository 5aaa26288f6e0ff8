package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/model"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// hookedStore runs afterRead once, right after a primary listing read.
type hookedStore struct {
	*MemoryStore
	afterRead func()
}

func (s *hookedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := s.MemoryStore.GetListing(ctx, id)
	if hook := s.afterRead; hook != nil {
		s.afterRead = nil
		hook()
	}
	return l, err
}

func seedCachedListing(t *testing.T, cs *CachedStore, id, price string) {
	t.Helper()
	err := cs.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateListing(context.Background(), &model.Listing{
			ID:             id,
			OwnerID:        "seller",
			PricePerUnit:   decimal.RequireFromString(price),
			UnitsAvailable: decimal.NewFromInt(10),
			UnitsRemaining: decimal.NewFromInt(10),
			AvailableUntil: time.Now().Add(time.Hour),
			Status:         model.ListingActive,
		})
	})
	if err != nil {
		t.Fatalf("seed listing: %v", err)
	}
}

func setPrice(t *testing.T, cs *CachedStore, id, price string) {
	t.Helper()
	ctx := context.Background()
	err := cs.InTx(ctx, func(tx Tx) error {
		l, err := tx.LockListing(ctx, id)
		if err != nil {
			return err
		}
		l.PricePerUnit = decimal.RequireFromString(price)
		return tx.UpdateListing(ctx, l)
	})
	if err != nil {
		t.Fatalf("update listing: %v", err)
	}
}

func TestCachedStore_InvalidatesOnCommit(t *testing.T) {
	rdb := setupRedis(t)
	cs := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	ctx := context.Background()
	id := "listing-" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, listingKey(id), versionKey(listingKey(id))) })

	seedCachedListing(t, cs, id, "5")
	if l, err := cs.GetListing(ctx, id); err != nil || !l.PricePerUnit.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("first read: %v (%v)", l, err)
	}
	if n, _ := rdb.Exists(ctx, listingKey(id)).Result(); n != 1 {
		t.Fatal("expected listing to be cached after read")
	}

	setPrice(t, cs, id, "6")
	if n, _ := rdb.Exists(ctx, listingKey(id)).Result(); n != 0 {
		t.Error("expected cache entry removed after commit")
	}
	l, _ := cs.GetListing(ctx, id)
	if !l.PricePerUnit.Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected fresh price 6, got %s", l.PricePerUnit)
	}
}

func TestCachedStore_CommitDuringReadIsNotOverwritten(t *testing.T) {
	rdb := setupRedis(t)
	primary := &hookedStore{MemoryStore: NewMemoryStore()}
	cs := NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()
	id := "listing-" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, listingKey(id), versionKey(listingKey(id))) })

	seedCachedListing(t, cs, id, "5")

	// The reader loads price 5, then a commit lands before it can cache.
	primary.afterRead = func() { setPrice(t, cs, id, "7") }
	l, err := cs.GetListing(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !l.PricePerUnit.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("reader should see the row it loaded, got %s", l.PricePerUnit)
	}

	if n, _ := rdb.Exists(ctx, listingKey(id)).Result(); n != 0 {
		t.Error("stale row was written back to the cache")
	}
	l, _ = cs.GetListing(ctx, id)
	if !l.PricePerUnit.Equal(decimal.NewFromInt(7)) {
		t.Errorf("expected committed price 7, got %s", l.PricePerUnit)
	}
}
