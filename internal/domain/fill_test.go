package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func TestApplyFill_PartialScenario(t *testing.T) {
	o := newOrder(TimeInForceGTC, nil)

	f1, err := ApplyFill(&o, "f-1", dec("0.5"), dec("30"), true, testNow)
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	f2, err := ApplyFill(&o, "f-2", dec("0.52"), dec("20"), false, testNow)
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}

	if f1.Seq != 1 || f2.Seq != 2 {
		t.Errorf("Seq = %d,%d, want 1,2", f1.Seq, f2.Seq)
	}
	if !o.FilledQuantity.Equal(dec("50")) {
		t.Errorf("FilledQuantity = %s, want 50", o.FilledQuantity)
	}
	if !o.AvgFillPrice.Equal(dec("0.508")) {
		t.Errorf("AvgFillPrice = %s, want 0.508", o.AvgFillPrice)
	}
	if o.Status != OrderStatusPartiallyFilled {
		t.Errorf("Status = %s, want partially_filled", o.Status)
	}
	if !o.Remaining().Equal(dec("50")) {
		t.Errorf("Remaining = %s, want 50", o.Remaining())
	}
}

func TestApplyFill_ReverseOrder(t *testing.T) {
	o := newOrder(TimeInForceGTC, nil)
	if _, err := ApplyFill(&o, "f-1", dec("0.52"), dec("20"), false, testNow); err != nil {
		t.Fatal(err)
	}
	if _, err := ApplyFill(&o, "f-2", dec("0.5"), dec("30"), false, testNow); err != nil {
		t.Fatal(err)
	}
	if !o.AvgFillPrice.Equal(dec("0.508")) {
		t.Errorf("AvgFillPrice = %s, want 0.508", o.AvgFillPrice)
	}
}

func TestApplyFill_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		price string
		qty   string
		want  error
	}{
		{"overfill", "0.5", "100.0001", ErrOverfill},
		{"zero quantity", "0.5", "0", ErrInvalidQuantity},
		{"negative quantity", "0.5", "-1", ErrInvalidQuantity},
		{"price zero", "0", "1", ErrInvalidPrice},
		{"price one", "1", "1", ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrder(TimeInForceGTC, nil)
			before := o
			_, err := ApplyFill(&o, "f", dec(tt.price), dec(tt.qty), false, testNow)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if o.FillCount != before.FillCount || !o.FilledQuantity.Equal(before.FilledQuantity) || o.Status != before.Status {
				t.Errorf("rejected fill mutated order")
			}
		})
	}
}

func TestApplyFill_FillsCompletely(t *testing.T) {
	o := newOrder(TimeInForceGTC, nil)
	if _, err := ApplyFill(&o, "f", dec("0.4"), dec("100"), false, testNow); err != nil {
		t.Fatal(err)
	}
	if o.Status != OrderStatusFilled {
		t.Errorf("Status = %s, want filled", o.Status)
	}
	if _, err := ApplyFill(&o, "f2", dec("0.4"), dec("1"), false, testNow); !errors.Is(err, ErrTerminalState) {
		t.Errorf("fill after filled err = %v, want ErrTerminalState", err)
	}
}

func TestComputeVWAP_NoFills(t *testing.T) {
	o := newOrder(TimeInForceGTC, nil)
	rep := ComputeVWAP(o, nil)
	if !rep.VWAP.Equal(o.Price) {
		t.Errorf("VWAP = %s, want limit price %s", rep.VWAP, o.Price)
	}

	o.Kind = OrderKindMarket
	if rep := ComputeVWAP(o, nil); !rep.VWAP.IsZero() {
		t.Errorf("market order VWAP = %s, want 0", rep.VWAP)
	}
}

type genFill struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// Applying any permutation of the same fills yields the same average.
func TestApplyFill_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		fills := make([]genFill, n)
		total := decimal.Zero
		for i := range fills {
			fills[i] = genFill{
				price: decimal.New(rapid.Int64Range(1, 9999).Draw(t, fmt.Sprintf("price%d", i)), -4),
				qty:   decimal.New(rapid.Int64Range(1, 100000).Draw(t, fmt.Sprintf("qty%d", i)), -2),
			}
			total = total.Add(fills[i].qty)
		}
		perm := rapid.Permutation(fills).Draw(t, "perm")

		apply := func(seq []genFill) Order {
			o := newOrder(TimeInForceGTC, nil)
			o.Quantity = total
			for i, f := range seq {
				if _, err := ApplyFill(&o, fmt.Sprint(i), f.price, f.qty, false, testNow); err != nil {
					t.Fatalf("ApplyFill: %v", err)
				}
			}
			return o
		}

		a, b := apply(fills), apply(perm)
		if !a.AvgFillPrice.Equal(b.AvgFillPrice) {
			t.Fatalf("AvgFillPrice %s != %s", a.AvgFillPrice, b.AvgFillPrice)
		}
		if a.Status != OrderStatusFilled {
			t.Fatalf("Status = %s, want filled", a.Status)
		}
	})
}
