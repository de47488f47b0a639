// Package fill records executions against orders and reports their
// volume-weighted average price.
package fill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// Result is the outcome of RecordFill.
type Result struct {
	Order domain.Order
	Fill  domain.FillRecord
}

// Accountant is the only writer of an order's fill fields.
type Accountant struct {
	orders  domain.OrderStore
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAccountant creates an Accountant.
func NewAccountant(orders domain.OrderStore, logger *slog.Logger) *Accountant {
	return &Accountant{
		orders:  orders,
		metrics: NopMetrics(),
		logger:  logger.With(slog.String("component", "fill")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (a *Accountant) WithClock(now func() time.Time) *Accountant {
	a.now = now
	return a
}

// WithMetrics replaces the no-op metrics.
func (a *Accountant) WithMetrics(m *Metrics) *Accountant {
	a.metrics = m
	return a
}

// RecordFill appends a fill of quantity at price to the order. The store
// holds the order exclusively while the fill is validated and applied, so
// concurrent fills on one order receive distinct, increasing sequence
// numbers. A rejected fill leaves the order unchanged.
func (a *Accountant) RecordFill(ctx context.Context, orderID string, price, quantity decimal.Decimal, isMaker bool) (Result, error) {
	now := a.now()
	fillID := uuid.NewString()

	o, rec, err := a.orders.AppendFill(ctx, orderID, func(o *domain.Order) (domain.FillRecord, error) {
		return domain.ApplyFill(o, fillID, price, quantity, isMaker, now)
	})
	if err != nil {
		a.metrics.Rejected.With("reason", rejectReason(err)).Add(1)
		return Result{}, fmt.Errorf("fill: record %s: %w", orderID, err)
	}
	a.metrics.Fills.With("role", role(isMaker)).Add(1)
	a.metrics.FilledQuantity.Add(quantity.InexactFloat64())

	a.logger.InfoContext(ctx, "fill recorded",
		slog.String("order_id", orderID),
		slog.Int("seq", rec.Seq),
		slog.String("price", price.String()),
		slog.String("quantity", quantity.String()),
		slog.String("avg_fill_price", o.AvgFillPrice.String()),
		slog.String("status", string(o.Status)),
	)
	return Result{Order: o, Fill: rec}, nil
}

// Report returns the VWAP summary of an order's fills.
func (a *Accountant) Report(ctx context.Context, orderID string) (domain.VWAPReport, error) {
	o, err := a.orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.VWAPReport{}, fmt.Errorf("fill: report %s: %w", orderID, err)
	}
	fills, err := a.orders.ListFills(ctx, orderID)
	if err != nil {
		return domain.VWAPReport{}, fmt.Errorf("fill: report %s: %w", orderID, err)
	}
	return domain.ComputeVWAP(o, fills), nil
}
