package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A transaction holds the write lock for its whole duration, so
// transactions are fully serialized. Writes are staged on the transaction
// and applied only on commit.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	listings map[string]*model.Listing
	trades   map[string]*model.Trade
	readings []model.MeterReading
	escrow   map[string]*model.EscrowEntry
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		listings: make(map[string]*model.Listing),
		trades:   make(map[string]*model.Trade),
		escrow:   make(map[string]*model.EscrowEntry),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		accounts: make(map[string]*model.Account),
		listings: make(map[string]*model.Listing),
		trades:   make(map[string]*model.Trade),
		escrow:   make(map[string]*model.EscrowEntry),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ListListings(_ context.Context, status model.ListingStatus) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if status != "" && l.Status != status {
			continue
		}
		listings = append(listings, *l)
	}
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].CreatedAt.After(listings[j].CreatedAt)
	})
	return listings, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListExpiredTradeIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []model.Trade
	for _, t := range s.trades {
		if t.TradeStatus == model.TradeDelivering &&
			t.EscrowStatus == model.EscrowLocked &&
			t.DeliveryDeadline.Before(now) {
			expired = append(expired, *t)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].DeliveryDeadline.Before(expired[j].DeliveryDeadline)
	})

	ids := make([]string, 0, len(expired))
	for _, t := range expired {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ListLapsedListingIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, l := range s.listings {
		if l.Status == model.ListingActive && !l.AvailableUntil.After(now) {
			ids = append(ids, l.ID)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryStore) GetMeterReadings(_ context.Context, tradeID string) ([]model.MeterReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MeterReading
	for _, r := range s.readings {
		if r.TradeID == tradeID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetEscrowSummary(_ context.Context) (*model.EscrowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &model.EscrowSummary{
		LockedAmount: decimal.Zero,
		ByStatus:     make(map[model.EscrowStatus]decimal.Decimal),
	}
	for _, e := range s.escrow {
		summary.ByStatus[e.Status] = summary.ByStatus[e.Status].Add(e.Amount)
		if e.Status == model.EscrowLocked {
			summary.LockedCount++
			summary.LockedAmount = summary.LockedAmount.Add(e.Amount)
		}
	}
	return summary, nil
}

// memTx stages writes until commit. Reads consult staged rows first.
type memTx struct {
	s        *MemoryStore
	accounts map[string]*model.Account
	listings map[string]*model.Listing
	trades   map[string]*model.Trade
	readings []model.MeterReading
	escrow   map[string]*model.EscrowEntry
	ledger   []model.LedgerEntry
}

func (tx *memTx) commit() {
	s := tx.s
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for id, l := range tx.listings {
		s.listings[id] = l
	}
	for id, t := range tx.trades {
		s.trades[id] = t
	}
	for id, e := range tx.escrow {
		s.escrow[id] = e
	}
	s.readings = append(s.readings, tx.readings...)
	s.ledger = append(s.ledger, tx.ledger...)
}

func (tx *memTx) account(id string) (*model.Account, bool) {
	if a, ok := tx.accounts[id]; ok {
		return a, true
	}
	a, ok := tx.s.accounts[id]
	return a, ok
}

func (tx *memTx) listing(id string) (*model.Listing, bool) {
	if l, ok := tx.listings[id]; ok {
		return l, true
	}
	l, ok := tx.s.listings[id]
	return l, ok
}

func (tx *memTx) trade(id string) (*model.Trade, bool) {
	if t, ok := tx.trades[id]; ok {
		return t, true
	}
	t, ok := tx.s.trades[id]
	return t, ok
}

func (tx *memTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := tx.account(a.ID); ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrAlreadyExists)
	}
	copy := *a
	tx.accounts[a.ID] = &copy
	return nil
}

func (tx *memTx) LockAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := tx.account(id)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (tx *memTx) UpdateAccountBalance(_ context.Context, id string, balance decimal.Decimal, at time.Time) error {
	a, ok := tx.account(id)
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	updated := *a
	updated.Balance = balance
	updated.UpdatedAt = at
	tx.accounts[id] = &updated
	return nil
}

func (tx *memTx) CreateListing(_ context.Context, l *model.Listing) error {
	if _, ok := tx.listing(l.ID); ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrAlreadyExists)
	}
	copy := *l
	tx.listings[l.ID] = &copy
	return nil
}

func (tx *memTx) LockListing(_ context.Context, id string) (*model.Listing, error) {
	l, ok := tx.listing(id)
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	copy := *l
	return &copy, nil
}

func (tx *memTx) UpdateListing(_ context.Context, l *model.Listing) error {
	if _, ok := tx.listing(l.ID); !ok {
		return fmt.Errorf("listing %s: %w", l.ID, ErrNotFound)
	}
	copy := *l
	tx.listings[l.ID] = &copy
	return nil
}

func (tx *memTx) CountOpenTrades(_ context.Context, listingID string) (int, error) {
	seen := make(map[string]bool)
	count := 0
	for id, t := range tx.trades {
		seen[id] = true
		if t.ListingID == listingID && !t.TradeStatus.Terminal() {
			count++
		}
	}
	for id, t := range tx.s.trades {
		if seen[id] {
			continue
		}
		if t.ListingID == listingID && !t.TradeStatus.Terminal() {
			count++
		}
	}
	return count, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	if _, ok := tx.trade(t.ID); ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrAlreadyExists)
	}
	copy := *t
	tx.trades[t.ID] = &copy
	return nil
}

func (tx *memTx) LockTrade(_ context.Context, id string) (*model.Trade, error) {
	t, ok := tx.trade(id)
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (tx *memTx) UpdateTrade(_ context.Context, t *model.Trade) error {
	if _, ok := tx.trade(t.ID); !ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}
	copy := *t
	tx.trades[t.ID] = &copy
	return nil
}

func (tx *memTx) InsertMeterReading(ctx context.Context, r *model.MeterReading) error {
	if _, err := tx.GetMeterReading(ctx, r.TradeID, r.Leg); err == nil {
		return fmt.Errorf("meter reading %s/%s: %w", r.TradeID, r.Leg, ErrAlreadyExists)
	}
	tx.readings = append(tx.readings, *r)
	return nil
}

func (tx *memTx) GetMeterReading(_ context.Context, tradeID string, leg model.MeterLeg) (*model.MeterReading, error) {
	for _, readings := range [][]model.MeterReading{tx.readings, tx.s.readings} {
		for _, r := range readings {
			if r.TradeID == tradeID && r.Leg == leg {
				copy := r
				return &copy, nil
			}
		}
	}
	return nil, fmt.Errorf("meter reading %s/%s: %w", tradeID, leg, ErrNotFound)
}

func (tx *memTx) InsertEscrowEntry(_ context.Context, e *model.EscrowEntry) error {
	if _, ok := tx.escrow[e.TradeID]; ok {
		return fmt.Errorf("escrow entry %s: %w", e.TradeID, ErrAlreadyExists)
	}
	if _, ok := tx.s.escrow[e.TradeID]; ok {
		return fmt.Errorf("escrow entry %s: %w", e.TradeID, ErrAlreadyExists)
	}
	copy := *e
	tx.escrow[e.TradeID] = &copy
	return nil
}

func (tx *memTx) SettleEscrowEntry(_ context.Context, tradeID string, status model.EscrowStatus, at time.Time) error {
	e, ok := tx.escrow[tradeID]
	if !ok {
		e, ok = tx.s.escrow[tradeID]
	}
	if !ok {
		return fmt.Errorf("escrow entry %s: %w", tradeID, ErrNotFound)
	}
	if e.Status != model.EscrowLocked {
		return fmt.Errorf("escrow entry %s: %w", tradeID, ErrEscrowSettled)
	}
	updated := *e
	updated.Status = status
	updated.SettledAt = &at
	tx.escrow[tradeID] = &updated
	return nil
}

func (tx *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	tx.ledger = append(tx.ledger, *e)
	return nil
}
