// Package seed bootstraps empty markets with a pair of resting orders so a
// price exists before organic trading starts.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// SeedPrice is the resting price of both seed orders, just below the fair
// midpoint.
var SeedPrice = decimal.RequireFromString("0.48")

var two = decimal.NewFromInt(2)

// Config tunes the Seeder.
type Config struct {
	// LockTTL bounds how long a seeding trigger holds the per-market lock.
	LockTTL time.Duration
	// Concurrency bounds parallel markets in SeedBatch.
	Concurrency int
}

// BatchRequest seeds several markets with the same sponsor and budget.
type BatchRequest struct {
	MarketIDs []string
	SponsorID string
	Budget    decimal.Decimal
	DryRun    bool
}

// Seeder creates seed orders through the atomic domain.SeedStore primitive.
type Seeder struct {
	store   domain.SeedStore
	locks   domain.LockManager
	audit   domain.AuditStore
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewSeeder creates a Seeder. locks and audit may be nil.
func NewSeeder(store domain.SeedStore, locks domain.LockManager, audit domain.AuditStore, cfg Config, logger *slog.Logger) *Seeder {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Seeder{
		store:   store,
		locks:   locks,
		audit:   audit,
		cfg:     cfg,
		metrics: NopMetrics(),
		logger:  logger.With(slog.String("component", "seed")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Seeder) WithClock(now func() time.Time) *Seeder {
	s.now = now
	return s
}

// WithMetrics replaces the no-op metrics.
func (s *Seeder) WithMetrics(m *Metrics) *Seeder {
	s.metrics = m
	return s
}

// Orders builds the two seed orders for a market: one buy per outcome, each
// for half of budget at SeedPrice.
func Orders(marketID, sponsorID string, budget decimal.Decimal, now time.Time) []domain.Order {
	half := budget.Div(two)
	out := make([]domain.Order, 0, 2)
	for _, outcome := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
		out = append(out, domain.Order{
			ID:             uuid.NewString(),
			MarketID:       marketID,
			UserID:         sponsorID,
			Side:           domain.OrderSideBuy,
			Outcome:        outcome,
			Kind:           domain.OrderKindLimit,
			Price:          SeedPrice,
			Quantity:       half,
			FilledQuantity: decimal.Zero,
			FillValue:      decimal.Zero,
			AvgFillPrice:   decimal.Zero,
			Status:         domain.OrderStatusOpen,
			TimeInForce:    domain.TimeInForceGTC,
			IsSeed:         true,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return out
}

// Seed creates the seed orders for marketID if, and only if, the market has
// no orders. A market that already has orders is reported as a successful,
// skipped no-op with no order IDs.
func (s *Seeder) Seed(ctx context.Context, marketID, sponsorID string, budget decimal.Decimal) (domain.SeedResult, error) {
	res, err := s.seed(ctx, marketID, sponsorID, budget)
	s.metrics.Attempts.With("result", resultLabel(res)).Add(1)
	return res, err
}

func (s *Seeder) seed(ctx context.Context, marketID, sponsorID string, budget decimal.Decimal) (domain.SeedResult, error) {
	res := domain.SeedResult{MarketID: marketID, OrderIDs: []string{}}
	if marketID == "" {
		return fail(res, fmt.Errorf("seed: market id required: %w", domain.ErrInvalidOrder))
	}
	if !budget.IsPositive() {
		return fail(res, fmt.Errorf("seed: %s: budget %s: %w", marketID, budget, domain.ErrInvalidQuantity))
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "seed:"+marketID, s.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			res.Success, res.Skipped, res.Message = true, true, "seeding in progress"
			return res, nil
		}
		if err != nil {
			return fail(res, fmt.Errorf("seed: %s: %w", marketID, err))
		}
		defer unlock()
	}

	now := s.now()
	orders := Orders(marketID, sponsorID, budget, now)
	state := domain.NewMarketPriceState(marketID, now)
	state.Liquidity = budget

	inserted, err := s.store.InsertSeedIfEmpty(ctx, marketID, orders, state)
	if err != nil {
		s.logger.ErrorContext(ctx, "seed failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return fail(res, fmt.Errorf("seed: %s: %w", marketID, err))
	}
	if !inserted {
		res.Success, res.Skipped, res.Message = true, true, "market already has orders"
		return res, nil
	}

	for _, o := range orders {
		res.OrderIDs = append(res.OrderIDs, o.ID)
	}
	res.Success = true
	res.Message = fmt.Sprintf("seeded %d orders at %s", len(orders), SeedPrice)

	s.logger.InfoContext(ctx, "market seeded",
		slog.String("market_id", marketID),
		slog.String("sponsor_id", sponsorID),
		slog.String("budget", budget.String()),
	)
	if s.audit != nil {
		if err := s.audit.Log(ctx, "market_seeded", map[string]any{
			"market_id":  marketID,
			"sponsor_id": sponsorID,
			"budget":     budget.String(),
			"order_ids":  res.OrderIDs,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// SeedBatch evaluates each market independently. With DryRun set it only
// reports which markets would be seeded and writes nothing. One market's
// failure does not stop the others; the batch succeeds only if none failed.
func (s *Seeder) SeedBatch(ctx context.Context, req BatchRequest) (domain.BatchSeedResult, error) {
	out := domain.BatchSeedResult{
		DryRun:  req.DryRun,
		Seeded:  []string{},
		Skipped: []string{},
		Failed:  []string{},
	}
	ids := dedupe(req.MarketIDs)
	results := make([]domain.SeedResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			var r domain.SeedResult
			if req.DryRun {
				r = s.simulate(gctx, id, req.Budget)
			} else {
				// Per-market errors are carried in the result.
				r, _ = s.Seed(gctx, id, req.SponsorID, req.Budget)
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch {
		case !r.Success:
			out.Failed = append(out.Failed, r.MarketID)
		case r.Skipped:
			out.Skipped = append(out.Skipped, r.MarketID)
		default:
			out.Seeded = append(out.Seeded, r.MarketID)
		}
	}
	out.Results = results
	out.SeededN, out.SkippedN, out.FailedN = len(out.Seeded), len(out.Skipped), len(out.Failed)
	out.Success = out.FailedN == 0

	s.logger.InfoContext(ctx, "batch seed complete",
		slog.Bool("dry_run", req.DryRun),
		slog.Int("seeded", out.SeededN),
		slog.Int("skipped", out.SkippedN),
		slog.Int("failed", out.FailedN),
	)
	return out, nil
}

// simulate reports what Seed would do without writing.
func (s *Seeder) simulate(ctx context.Context, marketID string, budget decimal.Decimal) domain.SeedResult {
	res := domain.SeedResult{MarketID: marketID, OrderIDs: []string{}}
	if !budget.IsPositive() {
		res.Error = fmt.Sprintf("seed: %s: budget %s: %v", marketID, budget, domain.ErrInvalidQuantity)
		return res
	}
	n, err := s.store.CountByMarket(ctx, marketID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	if n > 0 {
		res.Skipped = true
		res.Message = "market already has orders"
		return res
	}
	res.Message = "would seed"
	return res
}

func fail(res domain.SeedResult, err error) (domain.SeedResult, error) {
	res.Success = false
	res.Error = err.Error()
	return res, err
}

// dedupe drops empty and repeated IDs and returns the rest sorted, so that a
// batch never seeds the same market twice.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
