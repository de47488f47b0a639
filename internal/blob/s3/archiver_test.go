package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/alanyoungcy/predictex/internal/store/memory"
)

type fakeWriter struct {
	objects map[string][]byte
	err     error
}

func (f *fakeWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if f.err != nil {
		return f.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.objects[path] = b
	return nil
}

func (f *fakeWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return f.Put(ctx, path, data, "")
}

func seedTrades(t *testing.T, store *memory.Store, times ...time.Time) {
	t.Helper()
	var entries []domain.TradeTapeEntry
	for i, ts := range times {
		entries = append(entries, domain.TradeTapeEntry{
			ID:        string(rune('a' + i)),
			MarketID:  "m-1",
			Outcome:   domain.OutcomeYes,
			Price:     decimal.RequireFromString("0.5"),
			Quantity:  decimal.RequireFromString("1"),
			Timestamp: ts,
		})
	}
	if _, err := store.InsertBatch(context.Background(), entries); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveTrades(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	store := memory.New()
	seedTrades(t, store, cutoff.Add(-48*time.Hour), cutoff.Add(-time.Hour), cutoff.Add(time.Hour))

	w := &fakeWriter{objects: map[string][]byte{}}
	a := NewTradeArchiver(w, store, store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := a.ArchiveTrades(ctx, cutoff, true)
	if err != nil {
		t.Fatalf("ArchiveTrades: %v", err)
	}
	wantPath := "archive/trades/2025/03/10/1741564800.jsonl"
	if res.Path != wantPath || res.Archived != 2 || res.Deleted != 2 {
		t.Errorf("result = %+v, want %s archived 2 deleted 2", res, wantPath)
	}

	body, ok := w.objects[wantPath]
	if !ok {
		t.Fatalf("object %s not written; have %v", wantPath, w.objects)
	}
	var lines int
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var e domain.TradeTapeEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}

	left, _ := store.ListRecent(ctx, "m-1", 0)
	if len(left) != 1 {
		t.Errorf("remaining trades = %d, want 1", len(left))
	}
	audit, _ := store.List(ctx, domain.ListOpts{})
	if len(audit) != 1 || audit[0].Event != "archive.trades" {
		t.Errorf("audit = %+v", audit)
	}
}

func TestArchiveTrades_UploadFailureKeepsTrades(t *testing.T) {
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	store := memory.New()
	seedTrades(t, store, cutoff.Add(-time.Hour))

	w := &fakeWriter{objects: map[string][]byte{}, err: errors.New("access denied")}
	a := NewTradeArchiver(w, store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := a.ArchiveTrades(ctx, cutoff, true); err == nil {
		t.Fatal("ArchiveTrades succeeded with failing writer")
	}
	left, _ := store.ListRecent(ctx, "m-1", 0)
	if len(left) != 1 {
		t.Errorf("remaining trades = %d, want 1", len(left))
	}
}

func TestArchiveTrades_NothingToArchive(t *testing.T) {
	w := &fakeWriter{objects: map[string][]byte{}}
	a := NewTradeArchiver(w, memory.New(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res, err := a.ArchiveTrades(context.Background(), time.Now(), false)
	if err != nil || res.Archived != 0 || len(w.objects) != 0 {
		t.Errorf("result = %+v, err = %v, objects = %d", res, err, len(w.objects))
	}
}
