package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AvgPricePlaces is the decimal precision of stored average fill prices.
const AvgPricePlaces = 8

// FillRecord is one execution against an order. Records are append-only.
type FillRecord struct {
	ID        string
	OrderID   string
	Seq       int // 1-based, strictly increasing per order
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Value     decimal.Decimal // Price × Quantity
	IsMaker   bool
	CreatedAt time.Time
}

// ApplyFill validates a fill against o and applies it in place, returning the
// new FillRecord. The average is maintained as FillValue / FilledQuantity,
// which equals (old_avg × old_filled + price × qty) / (old_filled + qty) but
// keeps the running numerator exact, so the result does not depend on the
// order in which a set of fills arrives.
func ApplyFill(o *Order, id string, price, qty decimal.Decimal, isMaker bool, now time.Time) (FillRecord, error) {
	if st := o.EffectiveStatus(now); st.Terminal() {
		return FillRecord{}, fmt.Errorf("fill order %s (%s): %w", o.ID, st, ErrTerminalState)
	}
	if !qty.IsPositive() {
		return FillRecord{}, fmt.Errorf("fill quantity %s: %w", qty, ErrInvalidQuantity)
	}
	if qty.GreaterThan(o.Remaining()) {
		return FillRecord{}, fmt.Errorf("fill %s exceeds remaining %s: %w", qty, o.Remaining(), ErrOverfill)
	}
	if o.Kind == OrderKindLimit {
		if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return FillRecord{}, fmt.Errorf("fill price %s outside (0,1): %w", price, ErrInvalidPrice)
		}
	} else if price.IsNegative() || price.GreaterThan(decimal.NewFromInt(1)) {
		return FillRecord{}, fmt.Errorf("fill price %s outside [0,1]: %w", price, ErrInvalidPrice)
	}

	value := price.Mul(qty)
	o.FillCount++
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.FillValue = o.FillValue.Add(value)
	o.AvgFillPrice = o.FillValue.DivRound(o.FilledQuantity, AvgPricePlaces)
	o.LastFillAt = &now
	o.UpdatedAt = now
	o.Status = StatusForFill(o.FilledQuantity, o.Quantity)

	return FillRecord{
		ID:        id,
		OrderID:   o.ID,
		Seq:       o.FillCount,
		Price:     price,
		Quantity:  qty,
		Value:     value,
		IsMaker:   isMaker,
		CreatedAt: now,
	}, nil
}

// VWAPReport summarises the fills of one order.
type VWAPReport struct {
	OrderID       string
	TotalValue    decimal.Decimal
	TotalQuantity decimal.Decimal
	VWAP          decimal.Decimal
	FillCount     int
	Fills         []FillRecord
}

// ComputeVWAP aggregates fills for o. With no fills the VWAP falls back to the
// order's limit price (zero for market orders) rather than dividing by zero.
func ComputeVWAP(o Order, fills []FillRecord) VWAPReport {
	rep := VWAPReport{
		OrderID:       o.ID,
		TotalValue:    decimal.Zero,
		TotalQuantity: decimal.Zero,
		FillCount:     len(fills),
		Fills:         fills,
	}
	for _, f := range fills {
		rep.TotalValue = rep.TotalValue.Add(f.Price.Mul(f.Quantity))
		rep.TotalQuantity = rep.TotalQuantity.Add(f.Quantity)
	}
	switch {
	case rep.TotalQuantity.IsPositive():
		rep.VWAP = rep.TotalValue.DivRound(rep.TotalQuantity, AvgPricePlaces)
	case o.Kind == OrderKindLimit:
		rep.VWAP = o.Price
	default:
		rep.VWAP = decimal.Zero
	}
	return rep
}
