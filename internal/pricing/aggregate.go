package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// Window is the aggregate of one lookback window of the trade tape.
type Window struct {
	Trades   int
	YesPrice decimal.Decimal // rounded to domain.PricePlaces
	NoPrice  decimal.Decimal // exactly 1 - YesPrice
	Volume   decimal.Decimal // Σ price×qty over the window
	YesQty   decimal.Decimal
	NoQty    decimal.Decimal
	// NoAvg is the quantity-weighted average of "no" trades, for reporting
	// only. The published no price is always derived from YesPrice.
	NoAvg decimal.Decimal
}

// Aggregate computes prices and volume from entries. The yes price is the
// quantity-weighted average of the window's yes trades, or the fair price
// when there are none; the no price is its complement.
func Aggregate(entries []domain.TradeTapeEntry) Window {
	w := Window{
		Trades: len(entries),
		Volume: decimal.Zero,
		YesQty: decimal.Zero,
		NoQty:  decimal.Zero,
	}
	yesValue, noValue := decimal.Zero, decimal.Zero

	for _, t := range entries {
		notional := t.Notional()
		w.Volume = w.Volume.Add(notional)
		switch t.Outcome {
		case domain.OutcomeYes:
			yesValue = yesValue.Add(notional)
			w.YesQty = w.YesQty.Add(t.Quantity)
		case domain.OutcomeNo:
			noValue = noValue.Add(notional)
			w.NoQty = w.NoQty.Add(t.Quantity)
		}
	}

	w.YesPrice = weighted(yesValue, w.YesQty)
	w.NoPrice = domain.Complement(w.YesPrice)
	w.NoAvg = weighted(noValue, w.NoQty)
	return w
}

// weighted rounds value/qty to domain.PricePlaces in a single step.
func weighted(value, qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return domain.FairPrice
	}
	return value.DivRound(qty, domain.PricePlaces)
}
