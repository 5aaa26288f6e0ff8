package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridtrade/escrow-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for listing and trade reads. Transactions go to the primary store;
// every listing or trade a transaction writes is invalidated after commit.
// Locked reads inside a transaction never consult the cache.
//
// Each cached key has a version counter. Invalidation bumps it, and a
// read-through only fills the cache if the version did not move while the
// row was loaded, so a reader racing a commit cannot write back a stale row.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched *touchTx
	err := s.primary.InTx(ctx, func(tx Tx) error {
		// A retried transaction starts with a fresh record.
		touched = &touchTx{Tx: tx}
		return fn(touched)
	})
	if err != nil || touched == nil {
		return err
	}

	keys := make([]string, 0, len(touched.listings)+len(touched.trades))
	for id := range touched.listings {
		keys = append(keys, listingKey(id))
	}
	for id := range touched.trades {
		keys = append(keys, tradeKey(id))
	}
	s.invalidate(ctx, keys)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Incr(ctx, versionKey(key))
			if s.ttl > 0 {
				pipe.Expire(ctx, versionKey(key), s.ttl+time.Minute)
			}
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return readThrough(ctx, s, listingKey(id), func(ctx context.Context) (*model.Listing, error) {
		return s.primary.GetListing(ctx, id)
	})
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return readThrough(ctx, s, tradeKey(id), func(ctx context.Context) (*model.Trade, error) {
		return s.primary.GetTrade(ctx, id)
	})
}

// readThrough serves key from the cache, or loads it from the primary and
// caches it under a WATCH on the key's version. If an invalidation lands
// between the load and the write, the write is abandoned and the loaded row
// is returned uncached.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func(context.Context) (*T, error)) (*T, error) {
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	var (
		v       *T
		loadErr error
	)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		if v, loadErr = load(ctx); loadErr != nil {
			return loadErr
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, versionKey(key))

	switch {
	case loadErr != nil:
		return nil, loadErr
	case v != nil:
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			slog.Warn("cache fill failed", "key", key, "err", err)
		}
		return v, nil
	default:
		// Redis unreachable before the load ran.
		slog.Warn("cache unavailable", "key", key, "err", err)
		return load(ctx)
	}
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListListings(ctx context.Context, status model.ListingStatus) ([]model.Listing, error) {
	return s.primary.ListListings(ctx, status)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) ListExpiredTradeIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.primary.ListExpiredTradeIDs(ctx, now, limit)
}

func (s *CachedStore) ListLapsedListingIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.primary.ListLapsedListingIDs(ctx, now, limit)
}

func (s *CachedStore) GetMeterReadings(ctx context.Context, tradeID string) ([]model.MeterReading, error) {
	return s.primary.GetMeterReadings(ctx, tradeID)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, accountID)
}

func (s *CachedStore) GetEscrowSummary(ctx context.Context) (*model.EscrowSummary, error) {
	return s.primary.GetEscrowSummary(ctx)
}

// --- Keys ---

func listingKey(id string) string   { return fmt.Sprintf("listing:%s", id) }
func tradeKey(id string) string     { return fmt.Sprintf("trade:%s", id) }
func versionKey(key string) string { return "ver:" + key }

// touchTx records which cached rows a transaction writes.
type touchTx struct {
	Tx
	listings map[string]struct{}
	trades   map[string]struct{}
}

func (t *touchTx) touchListing(id string) {
	if t.listings == nil {
		t.listings = make(map[string]struct{})
	}
	t.listings[id] = struct{}{}
}

func (t *touchTx) touchTrade(id string) {
	if t.trades == nil {
		t.trades = make(map[string]struct{})
	}
	t.trades[id] = struct{}{}
}

func (t *touchTx) CreateListing(ctx context.Context, l *model.Listing) error {
	t.touchListing(l.ID)
	return t.Tx.CreateListing(ctx, l)
}

func (t *touchTx) UpdateListing(ctx context.Context, l *model.Listing) error {
	t.touchListing(l.ID)
	return t.Tx.UpdateListing(ctx, l)
}

func (t *touchTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	t.touchTrade(tr.ID)
	return t.Tx.InsertTrade(ctx, tr)
}

func (t *touchTx) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	t.touchTrade(tr.ID)
	return t.Tx.UpdateTrade(ctx, tr)
}
