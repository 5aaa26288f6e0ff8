// Package trade implements the escrow trade state machine and its HTTP
// surface. A trade moves
//
//	delivering -> completing -> completed
//	           \             \-> disputed -> completed
//	            \-> failed (deadline passed)
//
// and every transition runs as one store transaction that locks the trade
// row first, then the listing, then account rows in id order.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/meter"
	"github.com/gridtrade/escrow-engine/internal/metrics"
	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/notify"
	"github.com/gridtrade/escrow-engine/internal/store"
)

// Options tunes the engine.
type Options struct {
	FeeRate           decimal.Decimal
	DeliveryTimeout   time.Duration
	DeliveryThreshold decimal.Decimal
	PlatformAccountID string

	// MaxRetries bounds re-runs of a transaction that hit lock contention.
	MaxRetries   int
	RetryBackoff time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		FeeRate:           decimal.RequireFromString("0.025"),
		DeliveryTimeout:   24 * time.Hour,
		DeliveryThreshold: decimal.RequireFromString("0.98"),
		PlatformAccountID: "platform",
		MaxRetries:        3,
		RetryBackoff:      50 * time.Millisecond,
	}
}

// Engine owns every mutation of trades, listings and balances.
type Engine struct {
	store    store.Store
	meter    meter.Source
	notifier notify.Notifier
	opts     Options
	logger   *slog.Logger
}

// NewEngine creates an engine. A nil meter source reports full delivery;
// a nil notifier discards notifications.
func NewEngine(st store.Store, src meter.Source, n notify.Notifier, opts Options) *Engine {
	if src == nil {
		src = meter.Simulated{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Engine{
		store:    st,
		meter:    src,
		notifier: n,
		opts:     opts,
		logger:   opts.Logger,
	}
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

// run executes fn in a transaction, re-running it from scratch while the
// store reports lock contention. now is re-read on every attempt.
func (e *Engine) run(ctx context.Context, op string, fn func(tx store.Tx, now time.Time) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.TransitionLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.Transitions.WithLabelValues(op, strings.ToLower(Code(err))).Inc()
	}()

	for attempt := 0; ; attempt++ {
		err = e.store.InTx(ctx, func(tx store.Tx) error {
			return fn(tx, e.now())
		})
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt >= e.opts.MaxRetries {
			e.logger.Warn("transaction retries exhausted", "operation", op, "attempts", attempt+1, "err", err)
			return fmt.Errorf("%w: %s: %v", ErrBusy, op, err)
		}

		metrics.TxRetries.WithLabelValues(op).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.RetryBackoff * time.Duration(attempt+1)):
		}
	}
}

// notifyParties tells both sides of t about ev. Called after commit only.
func (e *Engine) notifyParties(ctx context.Context, t *model.Trade, ev notify.EventType, at time.Time, buyerMsg, sellerMsg string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, notify.Notification{
		RecipientID: t.BuyerID,
		EventType:   ev,
		TradeID:     t.ID,
		Message:     buyerMsg,
		At:          at,
	})
	e.notifier.Notify(ctx, notify.Notification{
		RecipientID: t.SellerID,
		EventType:   ev,
		TradeID:     t.ID,
		Message:     sellerMsg,
		At:          at,
	})
}

func invalidState(t *model.Trade, want model.TradeStatus) error {
	return fmt.Errorf("%w: trade %s is %s, want %s", ErrInvalidState, t.ID, t.TradeStatus, want)
}
