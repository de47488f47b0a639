package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// TradeArchiveStore is the part of domain.TradeStore the archiver needs.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.TradeTapeEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TradeArchiver copies old trade tape entries to object storage as JSONL
// and, when asked to, prunes them from the primary store once the upload has
// succeeded.
type TradeArchiver struct {
	writer domain.BlobWriter
	trades TradeArchiveStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewTradeArchiver creates a TradeArchiver. audit may be nil.
func NewTradeArchiver(writer domain.BlobWriter, trades TradeArchiveStore, audit domain.AuditStore, logger *slog.Logger) *TradeArchiver {
	return &TradeArchiver{
		writer: writer,
		trades: trades,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades uploads every entry older than before to
// archive/trades/YYYY/MM/DD/<unix>.jsonl. With prune set the archived
// entries are then deleted. Nothing is deleted if the upload fails.
func (a *TradeArchiver) ArchiveTrades(ctx context.Context, before time.Time, prune bool) (domain.ArchiveResult, error) {
	before = before.UTC()
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return domain.ArchiveResult{}, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	res := domain.ArchiveResult{Path: archivePath("trades", before), Archived: int64(len(trades))}
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, res.Path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, res.Path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return domain.ArchiveResult{}, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	if prune {
		n, err := a.trades.DeleteBefore(ctx, before)
		if err != nil {
			return res, fmt.Errorf("s3blob: archive trades prune: %w", err)
		}
		res.Deleted = n
	}

	a.logger.InfoContext(ctx, "trades archived",
		slog.String("path", res.Path),
		slog.Int64("archived", res.Archived),
		slog.Int64("deleted", res.Deleted),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.trades", map[string]any{
			"path":    res.Path,
			"count":   res.Archived,
			"deleted": res.Deleted,
			"before":  before.Format(time.RFC3339),
		}); err != nil {
			return res, fmt.Errorf("s3blob: archive trades audit log: %w", err)
		}
	}
	return res, nil
}

// Run archives entries older than retention every interval until ctx is
// done.
func (a *TradeArchiver) Run(ctx context.Context, interval, retention time.Duration, prune bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := a.ArchiveTrades(ctx, now.Add(-retention), prune); err != nil && ctx.Err() == nil {
				a.logger.Warn("trade archive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// archivePath builds the object key for one archive run.
//
//	archive/trades/2026/10/18/1792281600.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%d.jsonl", kind, before.Format("2006/01/02"), before.Unix())
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.TradeArchiver = (*TradeArchiver)(nil)
