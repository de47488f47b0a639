package fill

import (
	"context"
	"strings"
	"testing"

	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_FillsAndRejections(t *testing.T) {
	ctx := context.Background()
	acct, _, id := setup(t, "100")
	reg := stdprometheus.NewRegistry()
	acct.WithMetrics(PrometheusMetrics(reg, "predictex"))

	if _, err := acct.RecordFill(ctx, id, dec("0.5"), dec("30"), true); err != nil {
		t.Fatal(err)
	}
	if _, err := acct.RecordFill(ctx, id, dec("0.52"), dec("20"), false); err != nil {
		t.Fatal(err)
	}
	if _, err := acct.RecordFill(ctx, id, dec("0.5"), dec("60"), false); err == nil {
		t.Fatal("overfill accepted")
	}
	if _, err := acct.RecordFill(ctx, "missing", dec("0.5"), dec("1"), false); err == nil {
		t.Fatal("fill on unknown order accepted")
	}

	const want = `
# HELP predictex_fill_filled_quantity_total Total quantity filled across all orders.
# TYPE predictex_fill_filled_quantity_total counter
predictex_fill_filled_quantity_total 50
# HELP predictex_fill_fills_total Number of fills recorded.
# TYPE predictex_fill_fills_total counter
predictex_fill_fills_total{role="maker"} 1
predictex_fill_fills_total{role="taker"} 1
# HELP predictex_fill_rejected_total Number of fills rejected.
# TYPE predictex_fill_rejected_total counter
predictex_fill_rejected_total{reason="not_found"} 1
predictex_fill_rejected_total{reason="overfill"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}
