// Package tape ingests the trade tape emitted by the matching process:
// entries are validated, deduplicated, persisted, published for optimistic
// subscribers and queued for price recomputation.
package tape

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// TradePublisher publishes raw trades to fan-out subscribers.
type TradePublisher interface {
	PublishTrade(ctx context.Context, t domain.TradeTapeEntry) error
}

// RecomputeTrigger requests a price recomputation for a market.
type RecomputeTrigger interface {
	Trigger(marketID string)
}

// Result summarises one Ingest call.
type Result struct {
	Accepted   int      `json:"accepted"`
	Inserted   int64    `json:"inserted"`
	Duplicates int      `json:"duplicates"`
	Rejected   int      `json:"rejected"`
	Markets    []string `json:"markets"`
	Errors     []string `json:"errors,omitempty"`
}

// Ingestor persists tape entries and notifies downstream consumers.
type Ingestor struct {
	trades  domain.TradeStore
	pub     TradePublisher
	trigger RecomputeTrigger
	dedup   *Dedup
	metrics *Metrics
	logger  *slog.Logger
}

// NewIngestor creates an Ingestor. pub and trigger may be nil.
func NewIngestor(trades domain.TradeStore, pub TradePublisher, trigger RecomputeTrigger, dedup *Dedup, logger *slog.Logger) *Ingestor {
	if dedup == nil {
		dedup = NewDedup(10 * time.Minute)
	}
	return &Ingestor{
		trades:  trades,
		pub:     pub,
		trigger: trigger,
		dedup:   dedup,
		metrics: NopMetrics(),
		logger:  logger.With(slog.String("component", "tape")),
	}
}

// WithMetrics replaces the no-op metrics.
func (in *Ingestor) WithMetrics(m *Metrics) *Ingestor {
	in.metrics = m
	return in
}

// Dedup returns the ingestor's duplicate filter.
func (in *Ingestor) Dedup() *Dedup { return in.dedup }

// Ingest stores entries. Malformed entries are rejected individually and
// reported in the result; only a storage failure fails the call, in which
// case nothing is published and the entries may be redelivered.
func (in *Ingestor) Ingest(ctx context.Context, entries []domain.TradeTapeEntry) (Result, error) {
	var res Result
	fresh := make([]domain.TradeTapeEntry, 0, len(entries))
	for _, e := range entries {
		e.Timestamp = e.Timestamp.UTC()
		if err := e.Validate(); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if in.dedup.IsDuplicate(e.ID) {
			res.Duplicates++
			continue
		}
		fresh = append(fresh, e)
	}
	res.Accepted = len(fresh)
	in.count(res.Rejected, res.Duplicates)
	if len(fresh) == 0 {
		return res, nil
	}

	n, err := in.trades.InsertBatch(ctx, fresh)
	if err != nil {
		for _, e := range fresh {
			in.dedup.Forget(e.ID)
		}
		in.metrics.StoreFailures.Add(1)
		return res, fmt.Errorf("tape: ingest: %w", err)
	}
	res.Inserted = n
	in.metrics.Entries.With("outcome", "inserted").Add(float64(n))
	if stale := int64(len(fresh)) - n; stale > 0 {
		in.metrics.Entries.With("outcome", "duplicate").Add(float64(stale))
	}

	seen := make(map[string]struct{})
	for _, e := range fresh {
		if in.pub != nil {
			if err := in.pub.PublishTrade(ctx, e); err != nil {
				in.logger.WarnContext(ctx, "trade publish failed",
					slog.String("trade_id", e.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if _, ok := seen[e.MarketID]; !ok {
			seen[e.MarketID] = struct{}{}
			res.Markets = append(res.Markets, e.MarketID)
		}
	}
	if in.trigger != nil {
		for _, id := range res.Markets {
			in.trigger.Trigger(id)
		}
	}

	in.logger.DebugContext(ctx, "trades ingested",
		slog.Int("accepted", res.Accepted),
		slog.Int64("inserted", res.Inserted),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("rejected", res.Rejected),
	)
	return res, nil
}

func (in *Ingestor) count(rejected, duplicates int) {
	if rejected > 0 {
		in.metrics.Entries.With("outcome", "rejected").Add(float64(rejected))
	}
	if duplicates > 0 {
		in.metrics.Entries.With("outcome", "duplicate").Add(float64(duplicates))
	}
}

// RunCleanup prunes the duplicate filter every interval until ctx is done.
func (in *Ingestor) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			in.dedup.Cleanup()
		}
	}
}
