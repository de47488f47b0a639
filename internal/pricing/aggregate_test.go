package pricing

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/predictex/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(id string, outcome domain.Outcome, price, qty string, at time.Time) domain.TradeTapeEntry {
	return domain.TradeTapeEntry{
		ID:        id,
		MarketID:  "m-1",
		Outcome:   outcome,
		Price:     dec(price),
		Quantity:  dec(qty),
		Timestamp: at,
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		entries []domain.TradeTapeEntry
		yes     string
		no      string
		volume  string
	}{
		{
			name: "two yes trades",
			entries: []domain.TradeTapeEntry{
				trade("a", domain.OutcomeYes, "0.6", "10", t0),
				trade("b", domain.OutcomeYes, "0.4", "10", t0),
			},
			yes: "0.5", no: "0.5", volume: "10",
		},
		{
			name: "weighted by quantity",
			entries: []domain.TradeTapeEntry{
				trade("a", domain.OutcomeYes, "0.7", "30", t0),
				trade("b", domain.OutcomeYes, "0.3", "10", t0),
			},
			yes: "0.6", no: "0.4", volume: "24",
		},
		{
			name: "no trades only",
			entries: []domain.TradeTapeEntry{
				trade("a", domain.OutcomeNo, "0.3", "5", t0),
			},
			yes: "0.5", no: "0.5", volume: "1.5",
		},
		{
			name: "rounded to four places",
			entries: []domain.TradeTapeEntry{
				trade("a", domain.OutcomeYes, "0.1", "1", t0),
				trade("b", domain.OutcomeYes, "0.2", "2", t0),
			},
			yes: "0.1667", no: "0.8333", volume: "0.5",
		},
		{
			name: "rounded once",
			entries: []domain.TradeTapeEntry{
				trade("a", domain.OutcomeYes, "0.4999499999", "1", t0),
			},
			yes: "0.4999", no: "0.5001", volume: "0.4999499999",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Aggregate(tt.entries)
			if !w.YesPrice.Equal(dec(tt.yes)) {
				t.Errorf("YesPrice = %s, want %s", w.YesPrice, tt.yes)
			}
			if !w.NoPrice.Equal(dec(tt.no)) {
				t.Errorf("NoPrice = %s, want %s", w.NoPrice, tt.no)
			}
			if !w.Volume.Equal(dec(tt.volume)) {
				t.Errorf("Volume = %s, want %s", w.Volume, tt.volume)
			}
		})
	}
}

func TestAggregate_PricesSumToOne(t *testing.T) {
	one := decimal.NewFromInt(1)
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		entries := make([]domain.TradeTapeEntry, n)
		for i := range entries {
			outcome := domain.OutcomeYes
			if rapid.Bool().Draw(t, fmt.Sprintf("no%d", i)) {
				outcome = domain.OutcomeNo
			}
			entries[i] = domain.TradeTapeEntry{
				ID:        fmt.Sprint(i),
				MarketID:  "m",
				Outcome:   outcome,
				Price:     decimal.New(rapid.Int64Range(0, 10000).Draw(t, fmt.Sprintf("p%d", i)), -4),
				Quantity:  decimal.New(rapid.Int64Range(1, 1_000_000).Draw(t, fmt.Sprintf("q%d", i)), -3),
				Timestamp: t0,
			}
		}
		w := Aggregate(entries)
		if !w.YesPrice.Add(w.NoPrice).Equal(one) {
			t.Fatalf("yes %s + no %s != 1", w.YesPrice, w.NoPrice)
		}
		if w.YesPrice.IsNegative() || w.YesPrice.GreaterThan(one) {
			t.Fatalf("YesPrice %s outside [0,1]", w.YesPrice)
		}
		if w.YesPrice.Exponent() < -domain.PricePlaces {
			t.Fatalf("YesPrice %s has more than %d places", w.YesPrice, domain.PricePlaces)
		}
	})
}
