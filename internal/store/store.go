// Package store defines the persistence interface for the escrow engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation happens inside a Tx obtained from Store.InTx. The Lock*
// methods take a row lock that is held until the transaction ends, which is
// the only mutual exclusion the engine relies on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when inserting a row whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict marks lock contention (lock timeout, deadlock,
	// serialization failure). The whole transaction may be retried.
	ErrConflict = errors.New("store: lock contention")

	// ErrInvalidValue is returned when a row violates a column constraint
	// (check constraint or numeric range).
	ErrInvalidValue = errors.New("store: value violates constraint")

	// ErrEscrowSettled is returned when settling an escrow entry that has
	// already left the locked state.
	ErrEscrowSettled = errors.New("store: escrow entry already settled")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// InTx runs fn inside a single transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Unlocked reads ---

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetListing retrieves a listing by ID.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// ListListings returns listings, optionally filtered by status.
	ListListings(ctx context.Context, status model.ListingStatus) ([]model.Listing, error)

	// GetTrade retrieves a trade by ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByUser returns trades where the user is buyer or seller.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// ListExpiredTradeIDs returns delivering trades with locked escrow whose
	// delivery deadline is before now. The result is a candidate list only;
	// callers must re-check each trade under lock.
	ListExpiredTradeIDs(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ListLapsedListingIDs returns active listings whose window closed at or
	// before now.
	ListLapsedListingIDs(ctx context.Context, now time.Time, limit int) ([]string, error)

	// GetMeterReadings returns the recorded legs for a trade.
	GetMeterReadings(ctx context.Context, tradeID string) ([]model.MeterReading, error)

	// GetLedgerEntriesByAccount returns the journal for one account.
	GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// GetEscrowSummary aggregates escrow entries by status.
	GetEscrowSummary(ctx context.Context) (*model.EscrowSummary, error)
}

// Tx is a unit of work. Rows returned by Lock* stay locked until the
// transaction commits or rolls back.
type Tx interface {
	// --- Accounts ---

	CreateAccount(ctx context.Context, a *model.Account) error
	LockAccount(ctx context.Context, id string) (*model.Account, error)
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error

	// --- Listings ---

	CreateListing(ctx context.Context, l *model.Listing) error
	LockListing(ctx context.Context, id string) (*model.Listing, error)
	UpdateListing(ctx context.Context, l *model.Listing) error

	// CountOpenTrades counts non-terminal trades referencing a listing.
	CountOpenTrades(ctx context.Context, listingID string) (int, error)

	// --- Trades ---

	InsertTrade(ctx context.Context, t *model.Trade) error
	LockTrade(ctx context.Context, id string) (*model.Trade, error)
	UpdateTrade(ctx context.Context, t *model.Trade) error

	// --- Meter readings ---

	InsertMeterReading(ctx context.Context, r *model.MeterReading) error
	GetMeterReading(ctx context.Context, tradeID string, leg model.MeterLeg) (*model.MeterReading, error)

	// --- Escrow and journal ---

	InsertEscrowEntry(ctx context.Context, e *model.EscrowEntry) error
	SettleEscrowEntry(ctx context.Context, tradeID string, status model.EscrowStatus, at time.Time) error
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
}
