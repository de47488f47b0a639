package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	memcache "github.com/alanyoungcy/predictex/internal/cache/memory"
	"github.com/alanyoungcy/predictex/internal/fanout"
	"github.com/alanyoungcy/predictex/internal/fill"
	"github.com/alanyoungcy/predictex/internal/ledger"
	"github.com/alanyoungcy/predictex/internal/pricing"
	"github.com/alanyoungcy/predictex/internal/seed"
	"github.com/alanyoungcy/predictex/internal/server/handler"
	"github.com/alanyoungcy/predictex/internal/server/ws"
	"github.com/alanyoungcy/predictex/internal/store/memory"
	"github.com/alanyoungcy/predictex/internal/tape"
)

type testEnv struct {
	srv   *httptest.Server
	bus   *memcache.SignalBus
	store *memory.Store
	hub   *ws.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	bus := memcache.NewSignalBus()
	pub := fanout.NewPublisher(bus)

	led := ledger.New(store, store, logger)
	acct := fill.NewAccountant(store, logger)
	seeder := seed.NewSeeder(store, memcache.NewLockManager(), store, seed.Config{}, logger)
	agg := pricing.NewAggregator(store, store, memcache.NewMarketStateCache(), pub, pricing.Config{}, logger)
	sched := pricing.NewScheduler(agg, store, 0, logger)
	ingest := tape.NewIngestor(store, pub, nil, nil, logger)

	admin := handler.NewAdminHandler(agg, seeder, ingest, handler.SeedDefaults{
		SponsorID: "house",
		Budget:    decimal.NewFromInt(1000),
	}, logger).WithQueue(sched).WithAudit(store)

	hub := ws.NewHub(bus, logger, ws.Config{Mode: "full"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	h := Routes(Config{CORSOrigins: []string{"https://app.example"}}, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Status:  handler.NewStatusHandler("full", time.Now(), sched),
		Markets: handler.NewMarketHandler(led, agg, store, logger),
		Orders:  handler.NewOrderHandler(led, acct, logger),
		Admin:   admin,
	}, hub, logger)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testEnv{srv: srv, bus: bus, store: store, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func decimalField(t *testing.T, m map[string]any, key string) decimal.Decimal {
	t.Helper()
	s, ok := m[key].(string)
	if !ok {
		t.Fatalf("field %s = %v (%T), want decimal string", key, m[key], m[key])
	}
	return decimal.RequireFromString(s)
}

func TestOrderLifecycle(t *testing.T) {
	e := newTestEnv(t)

	code, o := e.do(t, http.MethodPost, "/api/orders", map[string]any{
		"market_id": "m-1",
		"outcome":   "yes",
		"price":     "0.50",
		"quantity":  "100",
	})
	if code != http.StatusCreated {
		t.Fatalf("place = %d %v", code, o)
	}
	id := o["id"].(string)
	if o["status"] != "open" || o["side"] != "buy" || o["time_in_force"] != "GTC" {
		t.Errorf("order = %v", o)
	}

	for _, f := range []map[string]any{
		{"price": "0.5", "quantity": "30", "is_maker": true},
		{"price": "0.52", "quantity": "20"},
	} {
		if code, body := e.do(t, http.MethodPost, "/api/orders/"+id+"/fills", f); code != http.StatusCreated {
			t.Fatalf("fill = %d %v", code, body)
		}
	}

	code, got := e.do(t, http.MethodGet, "/api/orders/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if got["status"] != "partially_filled" {
		t.Errorf("status = %v, want partially_filled", got["status"])
	}
	if avg := decimalField(t, got, "avg_fill_price"); !avg.Equal(decimal.RequireFromString("0.508")) {
		t.Errorf("avg_fill_price = %s, want 0.508", avg)
	}
	if rem := decimalField(t, got, "remaining"); !rem.Equal(decimal.NewFromInt(50)) {
		t.Errorf("remaining = %s, want 50", rem)
	}

	code, rep := e.do(t, http.MethodGet, "/api/orders/"+id+"/fills", nil)
	if code != http.StatusOK || rep["fill_count"].(float64) != 2 {
		t.Fatalf("fills = %d %v", code, rep)
	}
	if vwap := decimalField(t, rep, "vwap"); !vwap.Equal(decimal.RequireFromString("0.508")) {
		t.Errorf("vwap = %s, want 0.508", vwap)
	}

	if code, _ := e.do(t, http.MethodPost, "/api/orders/"+id+"/fills", map[string]any{"price": "0.5", "quantity": "51"}); code != http.StatusConflict {
		t.Errorf("overfill = %d, want 409", code)
	}

	code, re := e.do(t, http.MethodPost, "/api/orders/"+id+"/reenter", map[string]any{"price": "0.49"})
	if code != http.StatusCreated {
		t.Fatalf("reenter = %d %v", code, re)
	}
	repl := re["replacement"].(map[string]any)
	if repl["replaces_id"] != id || repl["quantity"] != "50" {
		t.Errorf("replacement = %v", repl)
	}
	if cancelled := re["cancelled"].(map[string]any); cancelled["status"] != "cancelled" {
		t.Errorf("cancelled = %v", cancelled)
	}

	if code, _ := e.do(t, http.MethodDelete, "/api/orders/"+id, nil); code != http.StatusConflict {
		t.Errorf("cancel of cancelled order = %d, want 409", code)
	}
	if code, body := e.do(t, http.MethodDelete, "/api/orders/"+repl["id"].(string), nil); code != http.StatusOK || body["status"] != "cancelled" {
		t.Errorf("cancel replacement = %d %v", code, body)
	}

	code, list := e.do(t, http.MethodGet, "/api/markets/m-1/orders", nil)
	if code != http.StatusOK || len(list["orders"].([]any)) != 2 {
		t.Errorf("market orders = %d %v", code, list)
	}
}

func TestErrorStatuses(t *testing.T) {
	e := newTestEnv(t)
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown order", http.MethodGet, "/api/orders/nope", nil, http.StatusNotFound},
		{"price out of range", http.MethodPost, "/api/orders", map[string]any{"market_id": "m", "outcome": "yes", "price": "1.5", "quantity": "1"}, http.StatusBadRequest},
		{"missing quantity", http.MethodPost, "/api/orders", map[string]any{"market_id": "m", "outcome": "yes", "price": "0.5"}, http.StatusBadRequest},
		{"bad decimal", http.MethodPost, "/api/orders", map[string]any{"market_id": "m", "outcome": "yes", "price": "abc", "quantity": "1"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/orders", map[string]any{"market_id": "m", "colour": "red"}, http.StatusBadRequest},
		{"expired gtd", http.MethodPost, "/api/orders", map[string]any{"market_id": "m", "outcome": "yes", "price": "0.5", "quantity": "1", "time_in_force": "GTD", "expires_at": past}, http.StatusBadRequest},
		{"unknown market price", http.MethodGet, "/api/markets/nope/price", nil, http.StatusNotFound},
		{"fill unknown order", http.MethodPost, "/api/orders/nope/fills", map[string]any{"price": "0.5", "quantity": "1"}, http.StatusNotFound},
		{"archive disabled", http.MethodPost, "/api/admin/archive", nil, http.StatusNotFound},
		{"batch without markets", http.MethodPost, "/api/admin/seed/batch", map[string]any{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.do(t, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, body)
			}
			if _, ok := body["error"]; !ok {
				t.Errorf("body has no error field: %v", body)
			}
		})
	}
}

func TestSeedAndRecompute(t *testing.T) {
	e := newTestEnv(t)

	code, res := e.do(t, http.MethodPost, "/api/admin/markets/m-1/seed", nil)
	if code != http.StatusOK || res["success"] != true || len(res["order_ids"].([]any)) != 2 {
		t.Fatalf("seed = %d %v", code, res)
	}
	code, res = e.do(t, http.MethodPost, "/api/admin/markets/m-1/seed", map[string]any{"budget": "500"})
	if code != http.StatusOK || res["skipped"] != true || len(res["order_ids"].([]any)) != 0 {
		t.Fatalf("second seed = %d %v", code, res)
	}

	code, st := e.do(t, http.MethodGet, "/api/markets/m-1/price", nil)
	if code != http.StatusOK {
		t.Fatalf("price = %d", code)
	}
	if yes := decimalField(t, st, "yes_price"); !yes.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("yes_price = %s, want 0.5", yes)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	code, ing := e.do(t, http.MethodPost, "/api/admin/trades", map[string]any{"trades": []map[string]any{
		{"id": "t1", "market_id": "m-1", "outcome": "yes", "price": "0.6", "quantity": "10", "timestamp": now},
		{"id": "t2", "market_id": "m-1", "outcome": "yes", "price": "0.4", "quantity": "10", "timestamp": now},
	}})
	if code != http.StatusOK || ing["inserted"].(float64) != 2 {
		t.Fatalf("ingest = %d %v", code, ing)
	}

	code, rc := e.do(t, http.MethodPost, "/api/admin/markets/m-1/recompute", nil)
	if code != http.StatusOK || rc["success"] != true || rc["trades_used"].(float64) != 2 {
		t.Fatalf("recompute = %d %v", code, rc)
	}
	if vol := decimalField(t, rc, "total_volume"); !vol.Equal(decimal.NewFromInt(10)) {
		t.Errorf("total_volume = %s, want 10", vol)
	}

	code, q := e.do(t, http.MethodPost, "/api/admin/markets/m-1/recompute?async=true", nil)
	if code != http.StatusAccepted || q["status"] != "queued" {
		t.Errorf("async recompute = %d %v", code, q)
	}
	if code, s := e.do(t, http.MethodGet, "/api/status", nil); code != http.StatusOK || s["pending_recompute"].(float64) != 1 {
		t.Errorf("status = %d %v", code, s)
	}

	code, batch := e.do(t, http.MethodPost, "/api/admin/seed/batch", map[string]any{
		"market_ids": []string{"m-1", "m-2"},
		"dry_run":    true,
	})
	if code != http.StatusOK || batch["seeded_count"].(float64) != 1 || batch["skipped_count"].(float64) != 1 {
		t.Errorf("batch = %d %v", code, batch)
	}

	code, markets := e.do(t, http.MethodGet, "/api/markets", nil)
	if code != http.StatusOK || len(markets["markets"].([]any)) != 1 {
		t.Errorf("markets = %d %v", code, markets)
	}

	code, audit := e.do(t, http.MethodGet, "/api/admin/audit", nil)
	if code != http.StatusOK || len(audit["entries"].([]any)) == 0 {
		t.Errorf("audit = %d %v", code, audit)
	}
}

func TestHealthAndCORS(t *testing.T) {
	e := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/health", nil)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing")
	}

	req, _ = http.NewRequest(http.MethodOptions, e.srv.URL+"/api/orders", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for foreign origin = %q", got)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}
