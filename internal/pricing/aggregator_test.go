package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	memcache "github.com/alanyoungcy/predictex/internal/cache/memory"
	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/alanyoungcy/predictex/internal/fanout"
	"github.com/alanyoungcy/predictex/internal/store/memory"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRecompute_UpdatesStateAndPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	bus := memcache.NewSignalBus()
	cache := memcache.NewMarketStateCache()
	msgs, _ := bus.Subscribe(ctx, fanout.MarketPattern)

	if _, err := store.Open(ctx, "m-1", t0); err != nil {
		t.Fatal(err)
	}
	_, _ = store.InsertBatch(ctx, []domain.TradeTapeEntry{
		trade("a", domain.OutcomeYes, "0.6", "10", t0),
		trade("b", domain.OutcomeYes, "0.4", "10", t0.Add(time.Second)),
	})

	agg := NewAggregator(store, store, cache, fanout.NewPublisher(bus), Config{}, quietLogger()).
		WithClock(func() time.Time { return t0.Add(time.Minute) })

	res, err := agg.Recompute(ctx, "m-1", 0)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if !res.Success || !res.Changed || res.TradesUsed != 2 {
		t.Errorf("result = %+v", res)
	}

	st, _ := store.Get(ctx, "m-1")
	if !st.YesPrice.Equal(dec("0.5")) || !st.NoPrice.Equal(dec("0.5")) || !st.TotalVolume.Equal(dec("10")) {
		t.Errorf("state = %s/%s vol %s, want 0.5/0.5 vol 10", st.YesPrice, st.NoPrice, st.TotalVolume)
	}

	cached, err := cache.Get(ctx, "m-1")
	if err != nil || !cached.TotalVolume.Equal(dec("10")) {
		t.Errorf("cache = %+v, %v", cached, err)
	}

	select {
	case msg := <-msgs:
		var env fanout.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			t.Fatal(err)
		}
		if env.Type != fanout.TypeMarketState || env.MarketID != "m-1" || env.State == nil || !env.State.YesPrice.Equal(dec("0.5")) {
			t.Errorf("envelope = %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("no market_state published")
	}
}

func TestRecompute_LookbackWindow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, _ = store.InsertBatch(ctx, []domain.TradeTapeEntry{
		trade("old", domain.OutcomeYes, "0.9", "100", t0),
		trade("new", domain.OutcomeYes, "0.3", "1", t0.Add(time.Second)),
	})
	agg := NewAggregator(store, store, nil, nil, Config{}, quietLogger())

	res, err := agg.Recompute(ctx, "m-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.YesPrice.Equal(dec("0.3")) {
		t.Errorf("YesPrice = %s, want 0.3 from the newest trade only", res.YesPrice)
	}
}

func TestRecompute_EmptyWindowIsNoop(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.Open(ctx, "m-1", t0); err != nil {
		t.Fatal(err)
	}
	agg := NewAggregator(store, store, nil, nil, Config{}, quietLogger())

	res, err := agg.Recompute(ctx, "m-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Changed {
		t.Errorf("result = %+v, want success without change", res)
	}
	st, _ := store.Get(ctx, "m-1")
	if !st.YesPrice.Equal(domain.FairPrice) || !st.UpdatedAt.Equal(t0) {
		t.Errorf("state changed: %+v", st)
	}
}

func TestRecompute_WriteFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, _ = store.Open(ctx, "m-1", t0)
	_, _ = store.InsertBatch(ctx, []domain.TradeTapeEntry{trade("a", domain.OutcomeYes, "0.7", "1", t0)})
	store.FailWrites(errors.New("down"))

	res, err := NewAggregator(store, store, nil, nil, Config{}, quietLogger()).Recompute(ctx, "m-1", 0)
	if err == nil || res.Success || res.YesPrice != nil {
		t.Fatalf("result = %+v, %v; want failure", res, err)
	}
	store.FailWrites(nil)
	st, _ := store.Get(ctx, "m-1")
	if !st.YesPrice.Equal(domain.FairPrice) {
		t.Errorf("YesPrice = %s, want unchanged", st.YesPrice)
	}
}

// slowTape returns its entries only after a delay, ignoring cancellation.
type slowTape struct {
	domain.TradeStore
	delay   time.Duration
	entries []domain.TradeTapeEntry
}

func (s slowTape) ListRecent(ctx context.Context, marketID string, limit int) ([]domain.TradeTapeEntry, error) {
	time.Sleep(s.delay)
	return s.entries, nil
}

func TestRecompute_TimeoutLeavesMarketUntouched(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, _ = store.Open(ctx, "m-1", t0)
	tape := slowTape{
		delay:   50 * time.Millisecond,
		entries: []domain.TradeTapeEntry{trade("a", domain.OutcomeYes, "0.9", "1", t0)},
	}
	agg := NewAggregator(tape, store, nil, nil, Config{Timeout: 5 * time.Millisecond}, quietLogger())

	res, err := agg.Recompute(ctx, "m-1", 0)
	if !errors.Is(err, domain.ErrContextDone) {
		t.Fatalf("err = %v, want ErrContextDone", err)
	}
	if res.Success {
		t.Error("Success = true")
	}
	st, _ := store.Get(ctx, "m-1")
	if !st.YesPrice.Equal(domain.FairPrice) {
		t.Errorf("YesPrice = %s, want unchanged", st.YesPrice)
	}
}

// blockingTape waits for ctx like a database driver would.
type blockingTape struct {
	domain.TradeStore
}

func (blockingTape) ListRecent(ctx context.Context, marketID string, limit int) ([]domain.TradeTapeEntry, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("query tape: %w", ctx.Err())
}

func TestRecompute_DeadlineDuringReadIsContextDone(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, _ = store.Open(ctx, "m-1", t0)
	agg := NewAggregator(blockingTape{}, store, nil, nil, Config{Timeout: 5 * time.Millisecond}, quietLogger())

	res, err := agg.Recompute(ctx, "m-1", 0)
	if !errors.Is(err, domain.ErrContextDone) {
		t.Fatalf("err = %v, want ErrContextDone", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want it to wrap context.DeadlineExceeded", err)
	}
	if res.Success {
		t.Error("Success = true")
	}
}

func TestState_FallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, _ = store.Open(ctx, "m-1", t0)
	agg := NewAggregator(store, store, memcache.NewMarketStateCache(), nil, Config{}, quietLogger())

	st, err := agg.State(ctx, "m-1")
	if err != nil || st.MarketID != "m-1" {
		t.Errorf("State = %+v, %v", st, err)
	}
	if _, err := agg.State(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

type countingRecomputer struct {
	mu    sync.Mutex
	calls map[string]int
	total chan struct{}
}

func (c *countingRecomputer) Recompute(ctx context.Context, marketID string, lookback int) (domain.RecomputeResult, error) {
	c.mu.Lock()
	c.calls[marketID]++
	c.mu.Unlock()
	select {
	case c.total <- struct{}{}:
	default:
	}
	return domain.RecomputeResult{Success: true, MarketID: marketID}, nil
}

func TestScheduler_CoalescesTriggers(t *testing.T) {
	rc := &countingRecomputer{calls: map[string]int{}, total: make(chan struct{}, 16)}
	s := NewScheduler(rc, nil, 0, quietLogger())

	s.Trigger("a")
	s.Trigger("b")
	s.Trigger("a")
	s.Trigger("a")
	if got := s.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-rc.total:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for recompute")
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.calls["a"] != 1 || rc.calls["b"] != 1 {
		t.Errorf("calls = %v, want one per market", rc.calls)
	}
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}
}

type staticMarkets []string

func (m staticMarkets) ListMarketIDs(ctx context.Context, opts domain.ListOpts) ([]string, error) {
	return m, nil
}

func TestScheduler_Sweep(t *testing.T) {
	rc := &countingRecomputer{calls: map[string]int{}, total: make(chan struct{}, 16)}
	s := NewScheduler(rc, staticMarkets{"x", "y"}, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-rc.total:
		case <-time.After(2 * time.Second):
			t.Fatal("sweep did not run")
		}
	}
}
