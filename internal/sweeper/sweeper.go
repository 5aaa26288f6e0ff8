// Package sweeper periodically fails trades whose delivery deadline passed
// without a seller confirmation, and closes listings whose window ended.
// Each item is handled in its own transaction; one bad record is logged and
// skipped so it cannot stall the rest of the sweep.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gridtrade/escrow-engine/internal/metrics"
	"github.com/gridtrade/escrow-engine/internal/model"
	"github.com/gridtrade/escrow-engine/internal/trade"
)

// Engine is the slice of trade.Engine the sweeper drives.
type Engine interface {
	ExpiredTradeIDs(ctx context.Context, limit int) ([]string, error)
	FailExpired(ctx context.Context, tradeID string) (*model.Trade, error)
	LapsedListingIDs(ctx context.Context, limit int) ([]string, error)
	ExpireListing(ctx context.Context, listingID string) (bool, error)
}

// Result summarizes one pass.
type Result struct {
	Candidates      int
	Failed          int
	Skipped         int
	Errors          int
	ListingsExpired int
}

// Sweeper runs passes on a cron schedule.
type Sweeper struct {
	engine   Engine
	schedule string
	batch    int
	logger   *slog.Logger
	cron     *cron.Cron
}

// New creates a sweeper. batch bounds the candidates examined per pass; 0
// means no bound.
func New(engine Engine, schedule string, batch int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   engine,
		schedule: schedule,
		batch:    batch,
		logger:   logger.With("component", "sweeper"),
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules passes until Stop. Every pass runs with ctx.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.schedule)
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// RunOnce performs a single pass. Candidate lists are snapshots; each
// trade is re-checked under its own lock, so a trade confirmed or already
// swept in the meantime is skipped rather than refunded twice.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	start := time.Now()
	metrics.SweepRuns.Inc()
	var res Result

	ids, err := s.engine.ExpiredTradeIDs(ctx, s.batch)
	if err != nil {
		metrics.SweepErrors.Inc()
		s.logger.Error("list expired trades", "err", err)
	}
	res.Candidates = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		_, err := s.engine.FailExpired(ctx, id)
		switch {
		case err == nil:
			res.Failed++
			metrics.SweepExpired.WithLabelValues("trade").Inc()
		case errors.Is(err, trade.ErrInvalidState):
			res.Skipped++
		default:
			res.Errors++
			metrics.SweepErrors.Inc()
			s.logger.Error("expire trade", "trade_id", id, "err", err)
		}
	}

	listingIDs, err := s.engine.LapsedListingIDs(ctx, s.batch)
	if err != nil {
		metrics.SweepErrors.Inc()
		s.logger.Error("list lapsed listings", "err", err)
	}
	for _, id := range listingIDs {
		if ctx.Err() != nil {
			break
		}
		changed, err := s.engine.ExpireListing(ctx, id)
		if err != nil {
			res.Errors++
			metrics.SweepErrors.Inc()
			s.logger.Error("expire listing", "listing_id", id, "err", err)
			continue
		}
		if changed {
			res.ListingsExpired++
			metrics.SweepExpired.WithLabelValues("listing").Inc()
		}
	}

	s.logger.Info("sweep complete",
		"candidates", res.Candidates,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"listings_expired", res.ListingsExpired,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}
