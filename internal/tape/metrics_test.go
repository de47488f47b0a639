package tape

import (
	"context"
	"errors"
	"strings"
	"testing"

	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/alanyoungcy/predictex/internal/store/memory"
)

func TestMetrics_EntryOutcomes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := stdprometheus.NewRegistry()
	in := newIngestor(store, &recorder{}).WithMetrics(PrometheusMetrics(reg, "predictex"))

	bad := entry("bad", "m-1")
	bad.Quantity = decimal.Zero
	if _, err := in.Ingest(ctx, []domain.TradeTapeEntry{entry("t1", "m-1"), entry("t2", "m-1"), bad}); err != nil {
		t.Fatal(err)
	}
	if _, err := in.Ingest(ctx, []domain.TradeTapeEntry{entry("t1", "m-1")}); err != nil {
		t.Fatal(err)
	}
	store.FailWrites(errors.New("down"))
	if _, err := in.Ingest(ctx, []domain.TradeTapeEntry{entry("t3", "m-1")}); err == nil {
		t.Fatal("Ingest succeeded with failing store")
	}

	const want = `
# HELP predictex_tape_entries_total Trade tape entries processed, by outcome.
# TYPE predictex_tape_entries_total counter
predictex_tape_entries_total{outcome="duplicate"} 1
predictex_tape_entries_total{outcome="inserted"} 2
predictex_tape_entries_total{outcome="rejected"} 1
# HELP predictex_tape_store_failures_total Ingest batches that could not be stored.
# TYPE predictex_tape_store_failures_total counter
predictex_tape_store_failures_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}
