package pricing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// Recomputer is the part of the Aggregator the Scheduler drives.
type Recomputer interface {
	Recompute(ctx context.Context, marketID string, lookback int) (domain.RecomputeResult, error)
}

// MarketLister lists markets for the periodic sweep.
type MarketLister interface {
	ListMarketIDs(ctx context.Context, opts domain.ListOpts) ([]string, error)
}

// Scheduler runs recomputations on demand and on a fixed interval. Triggers
// for a market that is already pending are coalesced into one run.
type Scheduler struct {
	agg      Recomputer
	markets  MarketLister
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	order   []string
	wake    chan struct{}
}

// NewScheduler creates a Scheduler. A zero interval disables the sweep;
// markets may be nil in that case.
func NewScheduler(agg Recomputer, markets MarketLister, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		agg:      agg,
		markets:  markets,
		interval: interval,
		metrics:  NopMetrics(),
		logger:   logger.With(slog.String("component", "pricing_scheduler")),
		pending:  make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// WithMetrics replaces the no-op metrics.
func (s *Scheduler) WithMetrics(m *Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Trigger requests a recomputation of marketID. It never blocks.
func (s *Scheduler) Trigger(marketID string) {
	s.mu.Lock()
	if _, ok := s.pending[marketID]; !ok {
		s.pending[marketID] = struct{}{}
		s.order = append(s.order, marketID)
	}
	s.metrics.Pending.Set(float64(len(s.order)))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of markets waiting to be recomputed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Run processes triggers and periodic sweeps until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.interval > 0 && s.markets != nil {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.logger.Info("pricing scheduler started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.drain(ctx)
		case <-tick:
			s.sweep(ctx)
		}
	}
}

// drain recomputes every pending market once.
func (s *Scheduler) drain(ctx context.Context) {
	s.mu.Lock()
	batch := s.order
	s.order = nil
	s.pending = make(map[string]struct{}, len(batch))
	s.metrics.Pending.Set(0)
	s.mu.Unlock()

	for _, id := range batch {
		if ctx.Err() != nil {
			return
		}
		s.recompute(ctx, id)
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	const page = 500
	for offset := 0; ; offset += page {
		ids, err := s.markets.ListMarketIDs(ctx, domain.ListOpts{Limit: page, Offset: offset})
		if err != nil {
			s.logger.Warn("list markets failed", slog.String("error", err.Error()))
			return
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}
			s.recompute(ctx, id)
		}
		if len(ids) < page {
			return
		}
	}
}

func (s *Scheduler) recompute(ctx context.Context, marketID string) {
	// Errors are logged by the aggregator.
	_, _ = s.agg.Recompute(ctx, marketID, 0)
}
