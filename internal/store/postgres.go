package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Row locks are taken with SELECT ... FOR UPDATE and waits are bounded by
// lock_timeout.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. A zero
// lockTimeout leaves the server default in place.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return mapError(err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	committed = true
	return nil
}

const (
	accountColumns = `id, balance::TEXT, created_at, updated_at`

	listingColumns = `id, owner_id, price_per_unit::TEXT, units_available::TEXT, units_remaining::TEXT,
		available_from, available_until, status, created_at`

	tradeColumns = `id, listing_id, seller_id, buyer_id,
		units_requested::TEXT, units_delivered::TEXT, price_per_unit::TEXT,
		total_amount::TEXT, platform_fee::TEXT, fee_collected::TEXT,
		trade_status, escrow_status, dispute_reason,
		delivery_deadline, created_at, delivery_confirmed_at, payment_released_at`
)

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, mapError(err))
	}
	return a, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, mapError(err))
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context, status model.ListingStatus) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, mapError(err))
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListExpiredTradeIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM trades
		 WHERE trade_status = $1 AND escrow_status = $2 AND delivery_deadline < $3
		 ORDER BY delivery_deadline
		 LIMIT NULLIF($4::INT, 0)`,
		string(model.TradeDelivering), string(model.EscrowLocked), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

func (s *PostgresStore) ListLapsedListingIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM listings
		 WHERE status = $1 AND available_until <= $2
		 ORDER BY available_until
		 LIMIT NULLIF($3::INT, 0)`,
		string(model.ListingActive), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanIDs(rows)
}

func (s *PostgresStore) GetMeterReadings(ctx context.Context, tradeID string) ([]model.MeterReading, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trade_id, leg, kwh_value::TEXT, recorded_at
		 FROM meter_readings WHERE trade_id = $1 ORDER BY recorded_at`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []model.MeterReading
	for rows.Next() {
		r, err := scanMeterReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *r)
	}
	return readings, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, COALESCE(trade_id, ''), kind,
		        amount::TEXT, balance_after::TEXT, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, amountS, balanceS string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TradeID, &kind,
			&amountS, &balanceS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)
		if e.Amount, err = decimal.NewFromString(amountS); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(balanceS); err != nil {
			return nil, fmt.Errorf("parse balance_after: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetEscrowSummary(ctx context.Context) (*model.EscrowSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(amount), 0)::TEXT
		 FROM escrow_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := &model.EscrowSummary{
		LockedAmount: decimal.Zero,
		ByStatus:     make(map[model.EscrowStatus]decimal.Decimal),
	}
	for rows.Next() {
		var status, sumS string
		var count int
		if err := rows.Scan(&status, &count, &sumS); err != nil {
			return nil, err
		}
		sum, err := decimal.NewFromString(sumS)
		if err != nil {
			return nil, fmt.Errorf("parse escrow sum: %w", err)
		}
		summary.ByStatus[model.EscrowStatus(status)] = sum
		if model.EscrowStatus(status) == model.EscrowLocked {
			summary.LockedCount = count
			summary.LockedAmount = sum
		}
	}
	return summary, rows.Err()
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		a.ID, a.Balance.String(), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.ID, mapError(err))
	}
	return nil
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", id, mapError(err))
	}
	return a, nil
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		id, balance.String(), at)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO listings (id, owner_id, price_per_unit, units_available, units_remaining,
		                       available_from, available_until, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
		l.ID, l.OwnerID, l.PricePerUnit.String(), l.UnitsAvailable.String(), l.UnitsRemaining.String(),
		l.AvailableFrom, l.AvailableUntil, string(l.Status), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("create listing %s: %w", l.ID, mapError(err))
	}
	return nil
}

func (t *pgTx) LockListing(ctx context.Context, id string) (*model.Listing, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	l, err := scanListing(row)
	if err != nil {
		return nil, fmt.Errorf("lock listing %s: %w", id, mapError(err))
	}
	return l, nil
}

func (t *pgTx) UpdateListing(ctx context.Context, l *model.Listing) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE listings
		 SET price_per_unit = $2::NUMERIC, units_available = $3::NUMERIC, units_remaining = $4::NUMERIC,
		     available_from = $5, available_until = $6, status = $7
		 WHERE id = $1`,
		l.ID, l.PricePerUnit.String(), l.UnitsAvailable.String(), l.UnitsRemaining.String(),
		l.AvailableFrom, l.AvailableUntil, string(l.Status))
	if err != nil {
		return fmt.Errorf("update listing %s: %w", l.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update listing %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) CountOpenTrades(ctx context.Context, listingID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades
		 WHERE listing_id = $1 AND trade_status NOT IN ($2, $3)`,
		listingID, string(model.TradeCompleted), string(model.TradeFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open trades %s: %w", listingID, mapError(err))
	}
	return n, nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, listing_id, seller_id, buyer_id,
		                     units_requested, units_delivered, price_per_unit,
		                     total_amount, platform_fee, fee_collected,
		                     trade_status, escrow_status, dispute_reason,
		                     delivery_deadline, created_at, delivery_confirmed_at, payment_released_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12, $13, $14, $15, $16, $17)`,
		tr.ID, tr.ListingID, tr.SellerID, tr.BuyerID,
		tr.UnitsRequested.String(), nullableDecimal(tr.UnitsDelivered), tr.PricePerUnit.String(),
		tr.TotalAmount.String(), tr.PlatformFee.String(), tr.FeeCollected.String(),
		string(tr.TradeStatus), string(tr.EscrowStatus), tr.DisputeReason,
		tr.DeliveryDeadline, tr.CreatedAt, tr.DeliveryConfirmedAt, tr.PaymentReleasedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, mapError(err))
	}
	return nil
}

func (t *pgTx) LockTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, id)
	tr, err := scanTrade(row)
	if err != nil {
		return nil, fmt.Errorf("lock trade %s: %w", id, mapError(err))
	}
	return tr, nil
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trades
		 SET units_delivered = $2::NUMERIC, fee_collected = $3::NUMERIC,
		     trade_status = $4, escrow_status = $5, dispute_reason = $6,
		     delivery_confirmed_at = $7, payment_released_at = $8
		 WHERE id = $1`,
		tr.ID, nullableDecimal(tr.UnitsDelivered), tr.FeeCollected.String(),
		string(tr.TradeStatus), string(tr.EscrowStatus), tr.DisputeReason,
		tr.DeliveryConfirmedAt, tr.PaymentReleasedAt)
	if err != nil {
		return fmt.Errorf("update trade %s: %w", tr.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update trade %s: %w", tr.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertMeterReading(ctx context.Context, r *model.MeterReading) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO meter_readings (trade_id, leg, kwh_value, recorded_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		r.TradeID, string(r.Leg), r.KWhValue.String(), r.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert meter reading %s/%s: %w", r.TradeID, r.Leg, mapError(err))
	}
	return nil
}

func (t *pgTx) GetMeterReading(ctx context.Context, tradeID string, leg model.MeterLeg) (*model.MeterReading, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT trade_id, leg, kwh_value::TEXT, recorded_at
		 FROM meter_readings WHERE trade_id = $1 AND leg = $2`, tradeID, string(leg))
	r, err := scanMeterReading(row)
	if err != nil {
		return nil, fmt.Errorf("get meter reading %s/%s: %w", tradeID, leg, mapError(err))
	}
	return r, nil
}

func (t *pgTx) InsertEscrowEntry(ctx context.Context, e *model.EscrowEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO escrow_entries (trade_id, buyer_id, amount, status, created_at, settled_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		e.TradeID, e.BuyerID, e.Amount.String(), string(e.Status), e.CreatedAt, e.SettledAt)
	if err != nil {
		return fmt.Errorf("insert escrow entry %s: %w", e.TradeID, mapError(err))
	}
	return nil
}

func (t *pgTx) SettleEscrowEntry(ctx context.Context, tradeID string, status model.EscrowStatus, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE escrow_entries SET status = $2, settled_at = $3
		 WHERE trade_id = $1 AND status = $4`,
		tradeID, string(status), at, string(model.EscrowLocked))
	if err != nil {
		return fmt.Errorf("settle escrow entry %s: %w", tradeID, mapError(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = t.tx.QueryRow(ctx, `SELECT status FROM escrow_entries WHERE trade_id = $1`, tradeID).Scan(&current)
	if err != nil {
		return fmt.Errorf("settle escrow entry %s: %w", tradeID, mapError(err))
	}
	return fmt.Errorf("settle escrow entry %s (%s): %w", tradeID, current, ErrEscrowSettled)
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, trade_id, kind, amount, balance_after, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		e.ID, e.AccountID, e.TradeID, string(e.Kind), e.Amount.String(), e.BalanceAfter.String(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, mapError(err))
	}
	return nil
}

// --- Error mapping ---

// Postgres SQLSTATE codes the engine cares about.
const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgNumericOutOfRange    = "22003"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// mapError translates driver errors into store sentinels, leaving every
// other error untouched.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.Message)
		case pgCheckViolation, pgNumericOutOfRange:
			return fmt.Errorf("%w: %s", ErrInvalidValue, pgErr.Message)
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

// --- Scanning ---

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var balance string
	if err := row.Scan(&a.ID, &balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &a, nil
}

func scanListing(row rowScanner) (*model.Listing, error) {
	var l model.Listing
	var price, available, remaining, status string
	if err := row.Scan(&l.ID, &l.OwnerID, &price, &available, &remaining,
		&l.AvailableFrom, &l.AvailableUntil, &status, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Status = model.ListingStatus(status)

	var err error
	if l.PricePerUnit, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price_per_unit: %w", err)
	}
	if l.UnitsAvailable, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("parse units_available: %w", err)
	}
	if l.UnitsRemaining, err = decimal.NewFromString(remaining); err != nil {
		return nil, fmt.Errorf("parse units_remaining: %w", err)
	}
	return &l, nil
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var requested, price, total, fee, collected, tradeStatus, escrowStatus string
	var delivered *string
	if err := row.Scan(&t.ID, &t.ListingID, &t.SellerID, &t.BuyerID,
		&requested, &delivered, &price,
		&total, &fee, &collected,
		&tradeStatus, &escrowStatus, &t.DisputeReason,
		&t.DeliveryDeadline, &t.CreatedAt, &t.DeliveryConfirmedAt, &t.PaymentReleasedAt); err != nil {
		return nil, err
	}
	t.TradeStatus = model.TradeStatus(tradeStatus)
	t.EscrowStatus = model.EscrowStatus(escrowStatus)

	fields := []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"units_requested", requested, &t.UnitsRequested},
		{"price_per_unit", price, &t.PricePerUnit},
		{"total_amount", total, &t.TotalAmount},
		{"platform_fee", fee, &t.PlatformFee},
		{"fee_collected", collected, &t.FeeCollected},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	if delivered != nil {
		v, err := decimal.NewFromString(*delivered)
		if err != nil {
			return nil, fmt.Errorf("parse units_delivered: %w", err)
		}
		t.UnitsDelivered = &v
	}
	return &t, nil
}

func scanMeterReading(row rowScanner) (*model.MeterReading, error) {
	var r model.MeterReading
	var leg, value string
	if err := row.Scan(&r.TradeID, &leg, &value, &r.RecordedAt); err != nil {
		return nil, err
	}
	r.Leg = model.MeterLeg(leg)
	var err error
	if r.KWhValue, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("parse kwh_value: %w", err)
	}
	return &r, nil
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullableDecimal(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
