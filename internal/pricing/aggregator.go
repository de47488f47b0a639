// Package pricing derives displayed market prices from the trade tape.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// DefaultLookback is the number of recent trades used when the caller does
// not specify a window.
const DefaultLookback = 20

// StatePublisher pushes an authoritative market state to subscribers.
type StatePublisher interface {
	PublishState(ctx context.Context, state domain.MarketPriceState) error
}

// Config tunes the Aggregator.
type Config struct {
	Lookback int
	// Timeout bounds a single recomputation. Zero means no extra bound.
	Timeout time.Duration
}

// Aggregator recomputes market prices. It is the only writer of a market's
// price and volume after seeding.
type Aggregator struct {
	trades  domain.TradeStore
	markets domain.MarketStateStore
	cache   domain.MarketStateCache
	pub     StatePublisher
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAggregator creates an Aggregator. cache and pub may be nil.
func NewAggregator(
	trades domain.TradeStore,
	markets domain.MarketStateStore,
	cache domain.MarketStateCache,
	pub StatePublisher,
	cfg Config,
	logger *slog.Logger,
) *Aggregator {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	return &Aggregator{
		trades:  trades,
		markets: markets,
		cache:   cache,
		pub:     pub,
		cfg:     cfg,
		metrics: NopMetrics(),
		logger:  logger.With(slog.String("component", "pricing")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// WithMetrics replaces the no-op metrics.
func (a *Aggregator) WithMetrics(m *Metrics) *Aggregator {
	a.metrics = m
	return a
}

// Recompute derives the market's prices from its most recent lookback trades
// (the configured default when lookback <= 0) and replaces the stored row in
// one update. An empty window is a successful no-op. A call that runs out of
// time before the write leaves the market untouched.
func (a *Aggregator) Recompute(ctx context.Context, marketID string, lookback int) (domain.RecomputeResult, error) {
	res := domain.RecomputeResult{MarketID: marketID}
	defer func(start time.Time) {
		a.metrics.RecomputeSeconds.Observe(time.Since(start).Seconds())
		switch {
		case !res.Success:
			a.metrics.Recomputes.With("result", "error").Add(1)
		case res.Changed:
			a.metrics.Recomputes.With("result", "changed").Add(1)
		default:
			a.metrics.Recomputes.With("result", "unchanged").Add(1)
		}
	}(time.Now())
	if lookback <= 0 {
		lookback = a.cfg.Lookback
	}
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	entries, err := a.trades.ListRecent(ctx, marketID, lookback)
	if err != nil {
		return a.fail(res, fmt.Errorf("pricing: recompute %s: read tape: %w", marketID, contextDone(ctx, err)))
	}
	if len(entries) == 0 {
		res.Success = true
		return res, nil
	}

	w := Aggregate(entries)
	res.TradesUsed = w.Trades

	if err := ctx.Err(); err != nil {
		return a.fail(res, fmt.Errorf("pricing: recompute %s: %w: %w", marketID, domain.ErrContextDone, err))
	}

	now := a.now()
	state, err := a.markets.ReplacePrices(ctx, marketID, w.YesPrice, w.NoPrice, w.Volume, now)
	if errors.Is(err, domain.ErrNotFound) {
		if _, err = a.markets.Open(ctx, marketID, now); err == nil {
			state, err = a.markets.ReplacePrices(ctx, marketID, w.YesPrice, w.NoPrice, w.Volume, now)
		}
	}
	if err != nil {
		return a.fail(res, fmt.Errorf("pricing: recompute %s: write: %w", marketID, contextDone(ctx, err)))
	}

	res.Success = true
	res.Changed = true
	res.YesPrice = &state.YesPrice
	res.NoPrice = &state.NoPrice
	res.TotalVolume = &state.TotalVolume

	a.logger.InfoContext(ctx, "market price recomputed",
		slog.String("market_id", marketID),
		slog.Int("trades", w.Trades),
		slog.String("yes", state.YesPrice.String()),
		slog.String("no", state.NoPrice.String()),
		slog.String("volume", state.TotalVolume.String()),
	)
	a.distribute(ctx, state)
	return res, nil
}

// contextDone marks err with domain.ErrContextDone when ctx has ended.
func contextDone(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, domain.ErrContextDone) {
		return fmt.Errorf("%w: %w", domain.ErrContextDone, err)
	}
	return err
}

// distribute refreshes the cache and publishes the new state. Failures are
// logged; the durable write has already happened.
func (a *Aggregator) distribute(ctx context.Context, state domain.MarketPriceState) {
	// Detached so a caller deadline that fired right after the write does
	// not suppress the broadcast.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if a.cache != nil {
		if err := a.cache.Set(ctx, state); err != nil {
			a.logger.WarnContext(ctx, "market state cache write failed",
				slog.String("market_id", state.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	if a.pub != nil {
		if err := a.pub.PublishState(ctx, state); err != nil {
			a.logger.WarnContext(ctx, "market state publish failed",
				slog.String("market_id", state.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// State returns the latest state of a market, from the cache when possible.
func (a *Aggregator) State(ctx context.Context, marketID string) (domain.MarketPriceState, error) {
	if a.cache != nil {
		if st, err := a.cache.Get(ctx, marketID); err == nil {
			return st, nil
		}
	}
	st, err := a.markets.Get(ctx, marketID)
	if err != nil {
		return domain.MarketPriceState{}, fmt.Errorf("pricing: state %s: %w", marketID, err)
	}
	return st, nil
}

func (a *Aggregator) fail(res domain.RecomputeResult, err error) (domain.RecomputeResult, error) {
	a.logger.Warn("recompute failed",
		slog.String("market_id", res.MarketID),
		slog.String("error", err.Error()),
	)
	res.Success = false
	res.Changed = false
	res.YesPrice, res.NoPrice, res.TotalVolume = nil, nil, nil
	res.Error = err.Error()
	return res, err
}
