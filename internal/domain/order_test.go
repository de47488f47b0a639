package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newOrder(tif TimeInForce, expires *time.Time) Order {
	return Order{
		ID:             "o-1",
		MarketID:       "m-1",
		Side:           OrderSideBuy,
		Outcome:        OutcomeYes,
		Kind:           OrderKindLimit,
		Price:          dec("0.5"),
		Quantity:       dec("100"),
		FilledQuantity: decimal.Zero,
		FillValue:      decimal.Zero,
		Status:         OrderStatusOpen,
		TimeInForce:    tif,
		ExpiresAt:      expires,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func TestOrder_ExpiryBoundary(t *testing.T) {
	expiry := testNow
	o := newOrder(TimeInForceGTD, &expiry)

	tests := []struct {
		name string
		at   time.Time
		want OrderStatus
	}{
		{"before expiry", expiry.Add(-time.Second), OrderStatusOpen},
		{"exactly at expiry", expiry, OrderStatusOpen},
		{"one nanosecond after", expiry.Add(time.Nanosecond), OrderStatusExpired},
		{"one second after", expiry.Add(time.Second), OrderStatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := o.EffectiveStatus(tt.at); got != tt.want {
				t.Errorf("EffectiveStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOrder_GTCNeverExpires(t *testing.T) {
	past := testNow.Add(-time.Hour)
	o := newOrder(TimeInForceGTC, &past)
	if got := o.EffectiveStatus(testNow.Add(24 * time.Hour)); got != OrderStatusOpen {
		t.Errorf("EffectiveStatus = %s, want open", got)
	}
	if got := TimeRemaining(o, testNow); got != "" {
		t.Errorf("TimeRemaining = %q, want empty", got)
	}
}

func TestOrder_ExpiredOneSecondAgo(t *testing.T) {
	expiry := testNow.Add(-time.Second)
	o := newOrder(TimeInForceGTD, &expiry)

	if got := o.AtTime(testNow).Status; got != OrderStatusExpired {
		t.Errorf("Status = %s, want expired", got)
	}
	if got := TimeRemaining(o, testNow); got != "expired" {
		t.Errorf("TimeRemaining = %q, want expired", got)
	}
	if _, err := ApplyFill(&o, "f-1", dec("0.5"), dec("1"), false, testNow); !errors.Is(err, ErrTerminalState) {
		t.Errorf("ApplyFill err = %v, want ErrTerminalState", err)
	}
	if !o.FilledQuantity.IsZero() || o.FillCount != 0 {
		t.Errorf("rejected fill mutated order: filled=%s count=%d", o.FilledQuantity, o.FillCount)
	}
}

func TestTimeRemaining(t *testing.T) {
	tests := []struct {
		left time.Duration
		want string
	}{
		{90 * time.Minute, "1h30m0s"},
		{5*time.Minute + 30*time.Second, "5m0s"},
		{42*time.Second + 300*time.Millisecond, "42s"},
		{0, "0s"},
	}
	for _, tt := range tests {
		expiry := testNow.Add(tt.left)
		o := newOrder(TimeInForceGTD, &expiry)
		if got := TimeRemaining(o, testNow); got != tt.want {
			t.Errorf("TimeRemaining(%s) = %q, want %q", tt.left, got, tt.want)
		}
	}
}

func TestOrder_Cancel(t *testing.T) {
	o := newOrder(TimeInForceGTC, nil)
	if err := o.Cancel(testNow); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if o.Status != OrderStatusCancelled || o.CancelledAt == nil {
		t.Errorf("Status = %s, CancelledAt = %v", o.Status, o.CancelledAt)
	}
	if err := o.Cancel(testNow); !errors.Is(err, ErrTerminalState) {
		t.Errorf("second Cancel err = %v, want ErrTerminalState", err)
	}
}

func TestOrder_CancelLazilyExpired(t *testing.T) {
	expiry := testNow.Add(-time.Minute)
	o := newOrder(TimeInForceGTD, &expiry)
	if err := o.Cancel(testNow); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("Cancel err = %v, want ErrTerminalState", err)
	}
	if o.Status != OrderStatusOpen {
		t.Errorf("stored Status = %s, want unchanged open", o.Status)
	}
}

func TestOrder_Expire(t *testing.T) {
	expiry := testNow
	o := newOrder(TimeInForceGTD, &expiry)
	if err := o.Expire(testNow); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("Expire at boundary err = %v, want ErrInvalidOrder", err)
	}
	if err := o.Expire(testNow.Add(time.Second)); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if o.Status != OrderStatusExpired {
		t.Errorf("Status = %s, want expired", o.Status)
	}
}

func TestOrder_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Order)
		want   error
	}{
		{"valid", func(o *Order) {}, nil},
		{"missing market", func(o *Order) { o.MarketID = "" }, ErrInvalidOrder},
		{"bad outcome", func(o *Order) { o.Outcome = "maybe" }, ErrInvalidOrder},
		{"price above one", func(o *Order) { o.Price = dec("1.01") }, ErrInvalidPrice},
		{"negative price", func(o *Order) { o.Price = dec("-0.1") }, ErrInvalidPrice},
		{"zero quantity", func(o *Order) { o.Quantity = decimal.Zero }, ErrInvalidQuantity},
		{"gtd without expiry", func(o *Order) { o.TimeInForce = TimeInForceGTD }, ErrInvalidOrder},
		{"market order ignores price", func(o *Order) { o.Kind = OrderKindMarket; o.Price = dec("5") }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrder(TimeInForceGTC, nil)
			tt.mutate(&o)
			err := o.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Validate err = %v, want %v", err, tt.want)
			}
		})
	}
}
