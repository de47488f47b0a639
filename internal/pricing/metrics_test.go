package pricing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/alanyoungcy/predictex/internal/store/memory"
)

func TestMetrics_RecomputeResults(t *testing.T) {
	ctx := context.Background()
	reg := stdprometheus.NewRegistry()
	m := PrometheusMetrics(reg, "predictex")

	store := memory.New()
	if _, err := store.Open(ctx, "m-1", t0); err != nil {
		t.Fatal(err)
	}
	_, _ = store.InsertBatch(ctx, []domain.TradeTapeEntry{
		trade("a", domain.OutcomeYes, "0.6", "10", t0),
	})
	agg := NewAggregator(store, store, nil, nil, Config{}, quietLogger()).WithMetrics(m)

	if _, err := agg.Recompute(ctx, "m-1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Recompute(ctx, "empty", 0); err != nil {
		t.Fatal(err)
	}
	store.FailWrites(errors.New("disk full"))
	if _, err := agg.Recompute(ctx, "m-1", 0); err == nil {
		t.Fatal("Recompute succeeded with failing store")
	}

	sched := NewScheduler(agg, nil, time.Minute, quietLogger()).WithMetrics(m)
	sched.Trigger("m-1")
	sched.Trigger("m-2")
	sched.Trigger("m-1")

	const want = `
# HELP predictex_pricing_pending_markets Markets queued for recomputation.
# TYPE predictex_pricing_pending_markets gauge
predictex_pricing_pending_markets 2
# HELP predictex_pricing_recomputes_total Number of price recomputations by result.
# TYPE predictex_pricing_recomputes_total counter
predictex_pricing_recomputes_total{result="changed"} 1
predictex_pricing_recomputes_total{result="error"} 1
predictex_pricing_recomputes_total{result="unchanged"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"predictex_pricing_recomputes_total", "predictex_pricing_pending_markets"); err != nil {
		t.Error(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "predictex_pricing_recompute_seconds" {
			continue
		}
		if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 3 {
			t.Errorf("recompute_seconds count = %d, want 3", got)
		}
		return
	}
	t.Error("recompute_seconds not gathered")
}
