package redis

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
)

func TestParseState(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	vals := map[string]string{
		"yes":       "0.6125",
		"no":        "0.3875",
		"volume":    "1200.5",
		"liquidity": "1000",
		"ts":        "1740830400000000000",
	}
	st, err := parseState("m-1", vals)
	if err != nil {
		t.Fatalf("parseState: %v", err)
	}
	if st.MarketID != "m-1" || !st.YesPrice.Equal(decimal.RequireFromString("0.6125")) ||
		!st.TotalVolume.Equal(decimal.RequireFromString("1200.5")) || !st.UpdatedAt.Equal(ts) {
		t.Errorf("state = %+v", st)
	}

	for _, field := range []string{"yes", "no", "volume", "liquidity", "ts"} {
		broken := make(map[string]string, len(vals))
		for k, v := range vals {
			broken[k] = v
		}
		broken[field] = "x"
		if _, err := parseState("m-1", broken); !errors.Is(err, domain.ErrMalformedRecord) {
			t.Errorf("bad %s: err = %v, want ErrMalformedRecord", field, err)
		}
		delete(broken, field)
		if _, err := parseState("m-1", broken); !errors.Is(err, domain.ErrMalformedRecord) {
			t.Errorf("missing %s: err = %v, want ErrMalformedRecord", field, err)
		}
	}
}

func TestKeyPrefix(t *testing.T) {
	c := &Client{prefix: "predictex:"}
	mc := NewMarketStateCache(c, 0)
	if got := mc.stateKey("m-1"); got != "predictex:market:m-1:state" {
		t.Errorf("stateKey = %q", got)
	}
}

func TestHasPattern(t *testing.T) {
	tests := map[string]bool{
		"market:*":   true,
		"market:m-1": false,
		"trade:[ab]": true,
	}
	for ch, want := range tests {
		if got := hasPattern(ch); got != want {
			t.Errorf("hasPattern(%q) = %v, want %v", ch, got, want)
		}
	}
}
