// Package ledger owns the order lifecycle: placement, reads with lazy
// expiry, cancellation, re-entry and the expiry sweep.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// PlaceRequest describes a new order.
type PlaceRequest struct {
	MarketID    string
	UserID      string
	Side        domain.OrderSide
	Outcome     domain.Outcome
	Kind        domain.OrderKind
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TimeInForce domain.TimeInForce
	ExpiresAt   *time.Time
}

// ReentryResult holds both halves of a re-entry.
type ReentryResult struct {
	Cancelled   domain.Order
	Replacement domain.Order
}

// Ledger manages orders through a domain.OrderStore.
type Ledger struct {
	orders domain.OrderStore
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger. audit may be nil.
func New(orders domain.OrderStore, audit domain.AuditStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		orders: orders,
		audit:  audit,
		logger: logger.With(slog.String("component", "ledger")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Place validates req and stores a new Open order.
func (l *Ledger) Place(ctx context.Context, req PlaceRequest) (domain.Order, error) {
	now := l.now()
	tif := req.TimeInForce
	if tif == "" {
		tif = domain.TimeInForceGTC
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.OrderKindLimit
	}

	o := domain.Order{
		ID:             uuid.NewString(),
		MarketID:       req.MarketID,
		UserID:         req.UserID,
		Side:           req.Side,
		Outcome:        req.Outcome,
		Kind:           kind,
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		FillValue:      decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		Status:         domain.OrderStatusOpen,
		TimeInForce:    tif,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if tif == domain.TimeInForceGTC {
		o.ExpiresAt = nil
	}
	if err := o.Validate(); err != nil {
		return domain.Order{}, fmt.Errorf("ledger: place: %w", err)
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
		return domain.Order{}, fmt.Errorf("ledger: place: expiry %s is not in the future: %w",
			o.ExpiresAt.Format(time.RFC3339), domain.ErrInvalidOrder)
	}

	if err := l.orders.Create(ctx, o); err != nil {
		return domain.Order{}, fmt.Errorf("ledger: place: %w", err)
	}
	l.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", o.ID),
		slog.String("market_id", o.MarketID),
		slog.String("outcome", string(o.Outcome)),
		slog.String("price", o.Price.String()),
		slog.String("quantity", o.Quantity.String()),
	)
	return o, nil
}

// Get returns the order as observed now, with lazy expiry applied.
func (l *Ledger) Get(ctx context.Context, id string) (domain.Order, error) {
	o, err := l.orders.GetByID(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	return o.AtTime(l.now()), nil
}

// ListByMarket returns a market's orders with lazy expiry applied.
func (l *Ledger) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	orders, err := l.orders.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", marketID, err)
	}
	now := l.now()
	for i := range orders {
		orders[i] = orders[i].AtTime(now)
	}
	return orders, nil
}

// Cancel moves an Open or PartiallyFilled order to Cancelled. A terminal
// order, including one that has lazily expired, fails with
// domain.ErrTerminalState and is left untouched.
func (l *Ledger) Cancel(ctx context.Context, id string) (domain.Order, error) {
	now := l.now()
	o, err := l.orders.Update(ctx, id, func(o *domain.Order) error {
		return o.Cancel(now)
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("ledger: cancel %s: %w", id, err)
	}
	l.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", id),
		slog.String("remaining", o.Remaining().String()),
	)
	l.record(ctx, "order_cancelled", map[string]any{
		"order_id":  id,
		"market_id": o.MarketID,
		"remaining": o.Remaining().String(),
	})
	return o, nil
}

// Reenter withdraws the unfilled remainder of a GTC order and places it again
// as a new order, at newPrice when given or else at the original price. Both
// changes commit together or not at all. The replacement is an ordinary new
// order and carries no priority from the original.
func (l *Ledger) Reenter(ctx context.Context, id string, newPrice *decimal.Decimal) (ReentryResult, error) {
	now := l.now()
	replacementID := uuid.NewString()

	old, repl, err := l.orders.Replace(ctx, id, func(o *domain.Order) (domain.Order, error) {
		if st := o.EffectiveStatus(now); st.Terminal() {
			return domain.Order{}, fmt.Errorf("order %s is %s: %w", o.ID, st, domain.ErrTerminalState)
		}
		if o.TimeInForce != domain.TimeInForceGTC {
			return domain.Order{}, fmt.Errorf("order %s is %s: %w", o.ID, o.TimeInForce, domain.ErrNotReenterable)
		}
		remaining := o.Remaining()
		if !remaining.IsPositive() {
			return domain.Order{}, fmt.Errorf("order %s has nothing remaining: %w", o.ID, domain.ErrNotReenterable)
		}

		price := o.Price
		if newPrice != nil {
			price = *newPrice
		}
		next := domain.Order{
			ID:             replacementID,
			MarketID:       o.MarketID,
			UserID:         o.UserID,
			Side:           o.Side,
			Outcome:        o.Outcome,
			Kind:           o.Kind,
			Price:          price,
			Quantity:       remaining,
			FilledQuantity: decimal.Zero,
			FillValue:      decimal.Zero,
			AvgFillPrice:   decimal.Zero,
			Status:         domain.OrderStatusOpen,
			TimeInForce:    domain.TimeInForceGTC,
			ReplacesID:     o.ID,
			IsSeed:         o.IsSeed,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := next.Validate(); err != nil {
			return domain.Order{}, err
		}
		if err := o.Cancel(now); err != nil {
			return domain.Order{}, err
		}
		return next, nil
	})
	if err != nil {
		return ReentryResult{}, fmt.Errorf("ledger: reenter %s: %w", id, err)
	}

	l.logger.InfoContext(ctx, "order re-entered",
		slog.String("order_id", old.ID),
		slog.String("replacement_id", repl.ID),
		slog.String("price", repl.Price.String()),
		slog.String("quantity", repl.Quantity.String()),
	)
	l.record(ctx, "order_reentered", map[string]any{
		"order_id":       old.ID,
		"replacement_id": repl.ID,
		"price":          repl.Price.String(),
		"quantity":       repl.Quantity.String(),
	})
	return ReentryResult{Cancelled: old, Replacement: repl}, nil
}

// ExpireDue persists the Expired status for up to limit GTD orders whose
// expiry has passed. Reads already treat such orders as expired, so this only
// brings storage in line. It returns how many orders were updated.
func (l *Ledger) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := l.now()
	due, err := l.orders.ListExpirable(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("ledger: expire due: %w", err)
	}

	expired := 0
	for _, o := range due {
		_, err := l.orders.Update(ctx, o.ID, func(o *domain.Order) error {
			return o.Expire(now)
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, domain.ErrTerminalState):
			// Filled or cancelled since it was listed.
		default:
			return expired, fmt.Errorf("ledger: expire %s: %w", o.ID, err)
		}
	}
	if expired > 0 {
		l.logger.InfoContext(ctx, "orders expired", slog.Int("count", expired))
	}
	return expired, nil
}

// RunExpirySweeper calls ExpireDue every interval until ctx is done.
func (l *Ledger) RunExpirySweeper(ctx context.Context, interval time.Duration, batch int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.ExpireDue(ctx, batch); err != nil && ctx.Err() == nil {
				l.logger.Warn("expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// TimeRemaining renders the remaining eligibility of o at the ledger's
// current time.
func (l *Ledger) TimeRemaining(o domain.Order) string {
	return domain.TimeRemaining(o, l.now())
}

func (l *Ledger) record(ctx context.Context, event string, detail map[string]any) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Log(ctx, event, detail); err != nil {
		l.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
