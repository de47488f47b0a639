package seed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	memcache "github.com/alanyoungcy/predictex/internal/cache/memory"
	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/alanyoungcy/predictex/internal/store/memory"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSeeder(store *memory.Store, locks domain.LockManager) *Seeder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSeeder(store, locks, store, Config{}, logger).WithClock(func() time.Time { return t0 })
}

func TestSeed_FreshMarket(t *testing.T) {
	store := memory.New()
	s := newSeeder(store, memcache.NewLockManager())
	ctx := context.Background()

	res, err := s.Seed(ctx, "m-1", "house", dec("1000"))
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if !res.Success || res.Skipped || len(res.OrderIDs) != 2 {
		t.Fatalf("result = %+v, want success with 2 orders", res)
	}

	orders, _ := store.ListByMarket(ctx, "m-1", domain.ListOpts{})
	outcomes := map[domain.Outcome]bool{}
	for _, o := range orders {
		if !o.Price.Equal(dec("0.48")) {
			t.Errorf("Price = %s, want 0.48", o.Price)
		}
		if !o.Quantity.Equal(dec("500")) {
			t.Errorf("Quantity = %s, want 500", o.Quantity)
		}
		if o.Side != domain.OrderSideBuy || !o.IsSeed || o.UserID != "house" {
			t.Errorf("order = %+v", o)
		}
		outcomes[o.Outcome] = true
	}
	if len(orders) != 2 || !outcomes[domain.OutcomeYes] || !outcomes[domain.OutcomeNo] {
		t.Errorf("want one order per outcome, got %d orders %v", len(orders), outcomes)
	}

	st, err := store.Get(ctx, "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.YesPrice.Equal(dec("0.5")) || !st.NoPrice.Equal(dec("0.5")) {
		t.Errorf("state = %s/%s, want 0.50/0.50", st.YesPrice, st.NoPrice)
	}
}

func TestSeed_KeepsExistingVolume(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if _, err := store.Open(ctx, "m-1", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ReplacePrices(ctx, "m-1", dec("0.7"), dec("0.3"), dec("42"), t0); err != nil {
		t.Fatal(err)
	}

	res, err := newSeeder(store, nil).Seed(ctx, "m-1", "house", dec("1000"))
	if err != nil || res.Skipped {
		t.Fatalf("Seed = %+v, %v; want seeded", res, err)
	}
	st, _ := store.Get(ctx, "m-1")
	if !st.TotalVolume.Equal(dec("42")) {
		t.Errorf("TotalVolume = %s, want 42 kept", st.TotalVolume)
	}
	if !st.YesPrice.Equal(dec("0.5")) || !st.Liquidity.Equal(dec("1000")) {
		t.Errorf("state = %+v, want 0.50 yes and liquidity 1000", st)
	}
}

func TestSeed_Idempotent(t *testing.T) {
	store := memory.New()
	s := newSeeder(store, nil)
	ctx := context.Background()

	if _, err := s.Seed(ctx, "m-1", "house", dec("1000")); err != nil {
		t.Fatal(err)
	}
	res, err := s.Seed(ctx, "m-1", "house", dec("1000"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Skipped || len(res.OrderIDs) != 0 {
		t.Errorf("second result = %+v, want skipped with no orders", res)
	}
	if n, _ := store.CountByMarket(ctx, "m-1"); n != 2 {
		t.Errorf("orders = %d, want 2", n)
	}
}

func TestSeed_Rejects(t *testing.T) {
	s := newSeeder(memory.New(), nil)
	ctx := context.Background()
	if _, err := s.Seed(ctx, "m-1", "house", decimal.Zero); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("zero budget err = %v, want ErrInvalidQuantity", err)
	}
	if _, err := s.Seed(ctx, "", "house", dec("10")); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("empty market err = %v, want ErrInvalidOrder", err)
	}
}

func TestSeed_StoreFailureWritesNothing(t *testing.T) {
	store := memory.New()
	s := newSeeder(store, nil)
	ctx := context.Background()

	store.FailWrites(errors.New("connection reset"))
	res, err := s.Seed(ctx, "m-1", "house", dec("1000"))
	if err == nil || res.Success {
		t.Fatalf("Seed = %+v, %v; want failure", res, err)
	}
	store.FailWrites(nil)

	if n, _ := store.CountByMarket(ctx, "m-1"); n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
	if _, err := store.Get(ctx, "m-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("state err = %v, want ErrNotFound", err)
	}
}

func TestSeed_LockHeldIsSkipped(t *testing.T) {
	store := memory.New()
	locks := memcache.NewLockManager()
	unlock, err := locks.Acquire(context.Background(), "seed:m-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	res, err := newSeeder(store, locks).Seed(context.Background(), "m-1", "house", dec("100"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Skipped {
		t.Errorf("result = %+v, want skipped", res)
	}
}

func TestSeed_Concurrent(t *testing.T) {
	for _, locks := range []domain.LockManager{nil, memcache.NewLockManager()} {
		store := memory.New()
		s := newSeeder(store, locks)

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			seeded int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.Seed(context.Background(), "m-1", "house", dec("1000"))
				if err != nil {
					t.Errorf("Seed: %v", err)
					return
				}
				if !res.Skipped {
					mu.Lock()
					seeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if seeded != 1 {
			t.Errorf("seeded = %d, want 1", seeded)
		}
		if n, _ := store.CountByMarket(context.Background(), "m-1"); n != 2 {
			t.Errorf("orders = %d, want 2", n)
		}
	}
}

func TestSeedBatch_DryRunMatchesRealRun(t *testing.T) {
	ctx := context.Background()
	prepare := func() *memory.Store {
		store := memory.New()
		if _, err := newSeeder(store, nil).Seed(ctx, "m-busy", "house", dec("10")); err != nil {
			t.Fatal(err)
		}
		return store
	}
	req := BatchRequest{
		MarketIDs: []string{"m-a", "m-busy", "m-b", "m-a", ""},
		SponsorID: "house",
		Budget:    dec("1000"),
	}

	dryStore := prepare()
	req.DryRun = true
	dry, err := newSeeder(dryStore, nil).SeedBatch(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"m-a", "m-b"} {
		if n, _ := dryStore.CountByMarket(ctx, id); n != 0 {
			t.Errorf("dry run wrote %d orders to %s", n, id)
		}
	}

	realStore := prepare()
	req.DryRun = false
	real, err := newSeeder(realStore, nil).SeedBatch(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(real.Seeded, dry.Seeded); diff != "" {
		t.Errorf("dry run seeded differs (-real +dry):\n%s", diff)
	}
	if diff := cmp.Diff(real.Skipped, dry.Skipped); diff != "" {
		t.Errorf("dry run skipped differs (-real +dry):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m-a", "m-b"}, real.Seeded); diff != "" {
		t.Errorf("Seeded mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m-busy"}, real.Skipped); diff != "" {
		t.Errorf("Skipped mismatch (-want +got):\n%s", diff)
	}
	if !real.Success || real.SeededN != 2 {
		t.Errorf("Success = %v SeededN = %d", real.Success, real.SeededN)
	}
}

func TestSeedBatch_PartialFailure(t *testing.T) {
	store := memory.New()
	s := newSeeder(store, nil)
	store.FailWrites(errors.New("down"))
	out, err := s.SeedBatch(context.Background(), BatchRequest{MarketIDs: []string{"a", "b"}, Budget: dec("10")})
	if err != nil {
		t.Fatal(err)
	}
	if out.Success || out.FailedN != 2 {
		t.Errorf("Success = %v FailedN = %d, want false / 2", out.Success, out.FailedN)
	}
}

func TestSeed_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := stdprometheus.NewRegistry()
	s := newSeeder(memory.New(), nil).WithMetrics(PrometheusMetrics(reg, "predictex"))

	_, _ = s.Seed(ctx, "m-1", "house", dec("100"))
	_, _ = s.Seed(ctx, "m-1", "house", dec("100"))
	_, _ = s.Seed(ctx, "m-2", "house", dec("0"))

	const want = `
# HELP predictex_seed_attempts_total Market seeding attempts by result.
# TYPE predictex_seed_attempts_total counter
predictex_seed_attempts_total{result="failed"} 1
predictex_seed_attempts_total{result="seeded"} 1
predictex_seed_attempts_total{result="skipped"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}
