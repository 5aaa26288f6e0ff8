// Package model defines the core domain types shared across the escrow engine.
// All monetary values and kWh quantities use shopspring/decimal, never
// float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingStatus is the lifecycle state of a seller's listing.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingExpired   ListingStatus = "expired"
	ListingCancelled ListingStatus = "cancelled"
)

// TradeStatus is the state of a trade in the settlement state machine.
type TradeStatus string

const (
	TradeDelivering TradeStatus = "delivering"
	TradeCompleting TradeStatus = "completing"
	TradeCompleted  TradeStatus = "completed"
	TradeFailed     TradeStatus = "failed"
	TradeDisputed   TradeStatus = "disputed"
)

// Terminal reports whether no further transition is possible.
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeFailed
}

// EscrowStatus tracks the buyer's held funds. It leaves EscrowLocked exactly
// once and never changes again.
type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "locked"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowPartial  EscrowStatus = "partial"
)

// MeterLeg identifies which side of a delivery a reading belongs to.
type MeterLeg string

const (
	LegOutgoing MeterLeg = "outgoing"
	LegIncoming MeterLeg = "incoming"
)

// EntryKind classifies a ledger journal line.
type EntryKind string

const (
	EntryDeposit    EntryKind = "deposit"
	EntryEscrowLock EntryKind = "escrow_lock"
	EntrySettlement EntryKind = "settlement"
	EntryRefund     EntryKind = "refund"
	EntryFee        EntryKind = "fee"
)

// Account holds one user's spendable balance. Balance is never negative.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Listing is a seller's offer of surplus kWh inside an availability window.
// UnitsRemaining is only mutated through the inventory package.
type Listing struct {
	ID             string          `json:"id" db:"id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	PricePerUnit   decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`
	UnitsAvailable decimal.Decimal `json:"units_available" db:"units_available"`
	UnitsRemaining decimal.Decimal `json:"units_remaining" db:"units_remaining"`
	AvailableFrom  time.Time       `json:"available_from" db:"available_from"`
	AvailableUntil time.Time       `json:"available_until" db:"available_until"`
	Status         ListingStatus   `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Trade is one escrowed purchase against a listing. Trades are never
// deleted, only transitioned.
type Trade struct {
	ID                  string           `json:"id" db:"id"`
	ListingID           string           `json:"listing_id" db:"listing_id"`
	SellerID            string           `json:"seller_id" db:"seller_id"`
	BuyerID             string           `json:"buyer_id" db:"buyer_id"`
	UnitsRequested      decimal.Decimal  `json:"units_requested" db:"units_requested"`
	UnitsDelivered      *decimal.Decimal `json:"units_delivered,omitempty" db:"units_delivered"`
	PricePerUnit        decimal.Decimal  `json:"price_per_unit" db:"price_per_unit"`
	TotalAmount         decimal.Decimal  `json:"total_amount" db:"total_amount"`
	PlatformFee         decimal.Decimal  `json:"platform_fee" db:"platform_fee"`
	FeeCollected        decimal.Decimal  `json:"fee_collected" db:"fee_collected"`
	TradeStatus         TradeStatus      `json:"trade_status" db:"trade_status"`
	EscrowStatus        EscrowStatus     `json:"escrow_status" db:"escrow_status"`
	DisputeReason       string           `json:"dispute_reason,omitempty" db:"dispute_reason"`
	DeliveryDeadline    time.Time        `json:"delivery_deadline" db:"delivery_deadline"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	DeliveryConfirmedAt *time.Time       `json:"delivery_confirmed_at,omitempty" db:"delivery_confirmed_at"`
	PaymentReleasedAt   *time.Time       `json:"payment_released_at,omitempty" db:"payment_released_at"`
}

// MeterReading is one leg of a delivery measurement.
type MeterReading struct {
	TradeID    string          `json:"trade_id" db:"trade_id"`
	Leg        MeterLeg        `json:"leg" db:"leg"`
	KWhValue   decimal.Decimal `json:"kwh_value" db:"kwh_value"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}

// EscrowEntry is the explicit record of funds held for one trade, so that
// money in escrow can be reconciled without scanning live trades.
type EscrowEntry struct {
	TradeID   string          `json:"trade_id" db:"trade_id"`
	BuyerID   string          `json:"buyer_id" db:"buyer_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Status    EscrowStatus    `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// LedgerEntry is an immutable journal line for one balance movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	TradeID      string          `json:"trade_id,omitempty" db:"trade_id"`
	Kind         EntryKind       `json:"kind" db:"kind"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// EscrowSummary aggregates escrow entries by status.
type EscrowSummary struct {
	LockedCount  int                              `json:"locked_count"`
	LockedAmount decimal.Decimal                  `json:"locked_amount"`
	ByStatus     map[EscrowStatus]decimal.Decimal `json:"by_status"`
}
