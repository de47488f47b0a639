package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeTapeEntry is an immutable market-level record of a completed fill, as
// emitted by the external matching process.
type TradeTapeEntry struct {
	ID        string          `json:"id"`
	MarketID  string          `json:"market_id"`
	Outcome   Outcome         `json:"outcome"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notional returns Price × Quantity.
func (t TradeTapeEntry) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Validate rejects tape entries that cannot be aggregated.
func (t TradeTapeEntry) Validate() error {
	if t.ID == "" || t.MarketID == "" {
		return fmt.Errorf("trade %q: id and market_id required: %w", t.ID, ErrMalformedRecord)
	}
	if t.Outcome != OutcomeYes && t.Outcome != OutcomeNo {
		return fmt.Errorf("trade %s: outcome %q: %w", t.ID, t.Outcome, ErrMalformedRecord)
	}
	if t.Price.IsNegative() || t.Price.GreaterThan(one) {
		return fmt.Errorf("trade %s: price %s: %w", t.ID, t.Price, ErrMalformedRecord)
	}
	if !t.Quantity.IsPositive() {
		return fmt.Errorf("trade %s: quantity %s: %w", t.ID, t.Quantity, ErrMalformedRecord)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("trade %s: missing timestamp: %w", t.ID, ErrMalformedRecord)
	}
	return nil
}
