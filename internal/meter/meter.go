// Package meter supplies delivered-quantity readings for the two legs of a
// trade. The engine only needs a kWh value per leg; how it is measured is
// up to the Source.
package meter

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/model"
)

// Source reports the kWh measured on one leg of a trade.
type Source interface {
	Reading(ctx context.Context, t *model.Trade, leg model.MeterLeg) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, t *model.Trade, leg model.MeterLeg) (decimal.Decimal, error)

// Reading calls f.
func (f SourceFunc) Reading(ctx context.Context, t *model.Trade, leg model.MeterLeg) (decimal.Decimal, error) {
	return f(ctx, t, leg)
}

// Simulated always reports full delivery: both legs read the requested units.
type Simulated struct{}

// Reading returns the trade's requested units.
func (Simulated) Reading(_ context.Context, t *model.Trade, _ model.MeterLeg) (decimal.Decimal, error) {
	return t.UnitsRequested, nil
}
