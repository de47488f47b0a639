package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Outcome is one leg of a binary contract.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// OrderKind distinguishes priced limit orders from market orders.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// TimeInForce is the rule governing how long an order stays eligible to fill.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good-Till-Cancelled
	TimeInForceGTD TimeInForce = "GTD" // Good-Till-Date
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusOpen, OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order is a resting or historical order on a binary market.
//
// FilledQuantity, FillValue, AvgFillPrice, FillCount and LastFillAt are
// written only by the fill accountant.
type Order struct {
	ID             string
	MarketID       string
	UserID         string
	Side           OrderSide
	Outcome        Outcome
	Kind           OrderKind
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	FillValue      decimal.Decimal // Σ price×qty over all fills
	AvgFillPrice   decimal.Decimal
	FillCount      int
	LastFillAt     *time.Time
	Status         OrderStatus
	TimeInForce    TimeInForce
	ExpiresAt      *time.Time
	ReplacesID     string // set on orders created by re-entry
	IsSeed         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CancelledAt    *time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	r := o.Quantity.Sub(o.FilledQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// ExpiredAt reports whether a date-bounded order has expired at now. An order
// is expired only once now is strictly after its expiry.
func (o Order) ExpiredAt(now time.Time) bool {
	if o.TimeInForce != TimeInForceGTD || o.ExpiresAt == nil {
		return false
	}
	return now.After(*o.ExpiresAt)
}

// EffectiveStatus returns the status as observed at now. Expiry takes effect
// the instant it passes, whether or not a sweeper has persisted it yet.
func (o Order) EffectiveStatus(now time.Time) OrderStatus {
	if o.Status.Terminal() {
		return o.Status
	}
	if o.ExpiredAt(now) {
		return OrderStatusExpired
	}
	return o.Status
}

// AtTime returns a copy of o with its effective status applied.
func (o Order) AtTime(now time.Time) Order {
	o.Status = o.EffectiveStatus(now)
	return o
}

// StatusForFill derives the non-terminal status implied by filled quantity.
func StatusForFill(filled, quantity decimal.Decimal) OrderStatus {
	switch {
	case filled.IsZero():
		return OrderStatusOpen
	case filled.GreaterThanOrEqual(quantity):
		return OrderStatusFilled
	default:
		return OrderStatusPartiallyFilled
	}
}

// Cancel transitions o to Cancelled. It fails with ErrTerminalState when o is
// already terminal at now.
func (o *Order) Cancel(now time.Time) error {
	if st := o.EffectiveStatus(now); st.Terminal() {
		return fmt.Errorf("cancel order %s (%s): %w", o.ID, st, ErrTerminalState)
	}
	o.Status = OrderStatusCancelled
	o.CancelledAt = &now
	o.UpdatedAt = now
	return nil
}

// Expire persists the Expired status for an order whose expiry has passed.
func (o *Order) Expire(now time.Time) error {
	if o.Status.Terminal() {
		return fmt.Errorf("expire order %s (%s): %w", o.ID, o.Status, ErrTerminalState)
	}
	if !o.ExpiredAt(now) {
		return fmt.Errorf("expire order %s: not past expiry: %w", o.ID, ErrInvalidOrder)
	}
	o.Status = OrderStatusExpired
	o.UpdatedAt = now
	return nil
}

// Validate checks the static fields of a new order.
func (o Order) Validate() error {
	if o.MarketID == "" {
		return fmt.Errorf("market_id is required: %w", ErrInvalidOrder)
	}
	switch o.Side {
	case OrderSideBuy, OrderSideSell:
	default:
		return fmt.Errorf("side %q: %w", o.Side, ErrInvalidOrder)
	}
	switch o.Outcome {
	case OutcomeYes, OutcomeNo:
	default:
		return fmt.Errorf("outcome %q: %w", o.Outcome, ErrInvalidOrder)
	}
	switch o.Kind {
	case OrderKindLimit:
		if o.Price.IsNegative() || o.Price.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("price %s outside [0,1]: %w", o.Price, ErrInvalidPrice)
		}
	case OrderKindMarket:
	default:
		return fmt.Errorf("kind %q: %w", o.Kind, ErrInvalidOrder)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("quantity %s: %w", o.Quantity, ErrInvalidQuantity)
	}
	if o.FilledQuantity.IsNegative() || o.FilledQuantity.GreaterThan(o.Quantity) {
		return fmt.Errorf("filled %s of %s: %w", o.FilledQuantity, o.Quantity, ErrInvalidQuantity)
	}
	switch o.TimeInForce {
	case TimeInForceGTC:
	case TimeInForceGTD:
		if o.ExpiresAt == nil {
			return fmt.Errorf("GTD order without expiry: %w", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("time_in_force %q: %w", o.TimeInForce, ErrInvalidOrder)
	}
	return nil
}

// TimeRemaining renders how long the order stays eligible: "expired" once the
// expiry has passed, "" for orders that never expire.
func TimeRemaining(o Order, now time.Time) string {
	if o.TimeInForce != TimeInForceGTD || o.ExpiresAt == nil {
		return ""
	}
	if o.ExpiredAt(now) {
		return "expired"
	}
	left := o.ExpiresAt.Sub(now)
	if left >= time.Minute {
		return left.Truncate(time.Minute).String()
	}
	return left.Truncate(time.Second).String()
}
