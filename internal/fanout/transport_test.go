package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	memcache "github.com/alanyoungcy/predictex/internal/cache/memory"
	"github.com/alanyoungcy/predictex/internal/domain"
)

func TestBusTransport_DeliversPublishedEnvelopes(t *testing.T) {
	defer leaktest.Check(t)()

	bus := memcache.NewSignalBus()
	stream, err := NewBusTransport(bus).Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pub := NewPublisher(bus)
	ctx := context.Background()

	if err := pub.PublishState(ctx, domain.NewMarketPriceState("m-1", time.Now())); err != nil {
		t.Fatal(err)
	}
	tr := domain.TradeTapeEntry{ID: "t", MarketID: "m-2", Outcome: domain.OutcomeNo, Price: dec("0.3"), Quantity: dec("1"), Timestamp: time.Now()}
	if err := pub.PublishTrade(ctx, tr); err != nil {
		t.Fatal(err)
	}

	got := map[string]Envelope{}
	for len(got) < 2 {
		select {
		case env := <-stream.Envelopes():
			got[env.Type] = env
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d envelopes, want 2", len(got))
		}
	}
	if env := got[TypeMarketState]; env.MarketID != "m-1" || env.State == nil || !env.State.YesPrice.Equal(domain.FairPrice) {
		t.Errorf("market_state envelope = %+v", env)
	}
	if env := got[TypeTrade]; env.MarketID != "m-2" || env.Trade == nil || env.Trade.ID != "t" {
		t.Errorf("trade envelope = %+v", env)
	}

	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-stream.Envelopes(); ok {
		t.Error("Envelopes still open after Close")
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Err after Close = %v, want nil", err)
	}
}

func TestBusTransport_ContextEndIsDisconnect(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := NewBusTransport(memcache.NewSignalBus()).Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case _, ok := <-stream.Envelopes():
		if ok {
			t.Fatal("unexpected envelope")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
	if err := stream.Err(); !errors.Is(err, domain.ErrDisconnected) {
		t.Errorf("Err = %v, want ErrDisconnected", err)
	}
}

func TestWatcher_OverBus(t *testing.T) {
	defer leaktest.Check(t)()

	bus := memcache.NewSignalBus()
	w, updates, _ := newTestWatcher(t, NewBusTransport(bus), 0)
	_ = w.Watch("m-1")
	if err := w.Subscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Unsubscribe()

	st := domain.NewMarketPriceState("m-1", time.Now())
	st.YesPrice, st.NoPrice = dec("0.61"), dec("0.39")
	if err := NewPublisher(bus).PublishState(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if got := expectUpdate(t, updates); !got.YesPrice.Equal(dec("0.61")) {
		t.Errorf("YesPrice = %s, want 0.61", got.YesPrice)
	}
}
