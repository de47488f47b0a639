package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/alanyoungcy/predictex/internal/seed"
	"github.com/alanyoungcy/predictex/internal/tape"
)

// Recomputer recomputes a market's prices synchronously.
type Recomputer interface {
	Recompute(ctx context.Context, marketID string, lookback int) (domain.RecomputeResult, error)
}

// RecomputeQueue accepts asynchronous recompute requests.
type RecomputeQueue interface {
	Trigger(marketID string)
}

// SeedService seeds markets.
type SeedService interface {
	Seed(ctx context.Context, marketID, sponsorID string, budget decimal.Decimal) (domain.SeedResult, error)
	SeedBatch(ctx context.Context, req seed.BatchRequest) (domain.BatchSeedResult, error)
}

// TradeIngestor stores trade tape entries in-process.
type TradeIngestor interface {
	Ingest(ctx context.Context, entries []domain.TradeTapeEntry) (tape.Result, error)
}

// TradeAppender appends trade tape entries to the external tape topic.
type TradeAppender interface {
	Append(ctx context.Context, entries []domain.TradeTapeEntry) error
}

// SeedDefaults supplies sponsor and budget when a request omits them.
type SeedDefaults struct {
	SponsorID string
	Budget    decimal.Decimal
}

// AdminHandler serves the administrative trigger endpoints.
type AdminHandler struct {
	recompute Recomputer
	queue     RecomputeQueue
	seeder    SeedService
	ingest    TradeIngestor
	appender  TradeAppender
	archiver  domain.TradeArchiver
	audit     domain.AuditStore
	defaults  SeedDefaults
	retention time.Duration
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler. queue, appender, archiver and
// audit are optional.
func NewAdminHandler(recompute Recomputer, seeder SeedService, ingest TradeIngestor, defaults SeedDefaults, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		recompute: recompute,
		seeder:    seeder,
		ingest:    ingest,
		defaults:  defaults,
		logger:    logger,
	}
}

// WithQueue enables asynchronous recompute requests (?async=true).
func (h *AdminHandler) WithQueue(q RecomputeQueue) *AdminHandler {
	h.queue = q
	return h
}

// WithAppender routes ingested trades to the tape topic instead of storing
// them directly.
func (h *AdminHandler) WithAppender(a TradeAppender) *AdminHandler {
	h.appender = a
	return h
}

// WithArchiver enables POST /api/admin/archive.
func (h *AdminHandler) WithArchiver(a domain.TradeArchiver, retention time.Duration) *AdminHandler {
	h.archiver = a
	h.retention = retention
	return h
}

// WithAudit enables GET /api/admin/audit.
func (h *AdminHandler) WithAudit(a domain.AuditStore) *AdminHandler {
	h.audit = a
	return h
}

type recomputeRequest struct {
	Lookback int `json:"lookback"`
}

// Recompute recomputes a market's price from its recent trades. With
// ?async=true the request is queued and 202 is returned immediately.
// POST /api/admin/markets/{id}/recompute
func (h *AdminHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && h.queue != nil {
		h.queue.Trigger(id)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":      true,
			"market_id":    id,
			"status":       "queued",
			"requested_at": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	var body recomputeRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.recompute.Recompute(r.Context(), id, body.Lookback)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: recompute failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type seedRequest struct {
	SponsorID string `json:"sponsor_id"`
	Budget    string `json:"budget"`
}

func (h *AdminHandler) seedParams(sponsorID, rawBudget string) (string, decimal.Decimal, error) {
	if sponsorID == "" {
		sponsorID = h.defaults.SponsorID
	}
	budget, err := parseDecimal("budget", rawBudget)
	if err != nil {
		return "", decimal.Zero, err
	}
	if budget == nil {
		return sponsorID, h.defaults.Budget, nil
	}
	return sponsorID, *budget, nil
}

// Seed places the seed orders for an empty market.
// POST /api/admin/markets/{id}/seed
func (h *AdminHandler) Seed(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	var body seedRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sponsor, budget, err := h.seedParams(body.SponsorID, body.Budget)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.seeder.Seed(r.Context(), id, sponsor, budget)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: seed failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type seedBatchRequest struct {
	MarketIDs []string `json:"market_ids"`
	SponsorID string   `json:"sponsor_id"`
	Budget    string   `json:"budget"`
	DryRun    bool     `json:"dry_run"`
}

// SeedBatch seeds several markets. Per-market failures are reported in the
// body; the call itself fails only on malformed input.
// POST /api/admin/seed/batch
func (h *AdminHandler) SeedBatch(w http.ResponseWriter, r *http.Request) {
	var body seedBatchRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.MarketIDs) == 0 {
		writeError(w, http.StatusBadRequest, "market_ids is required")
		return
	}
	sponsor, budget, err := h.seedParams(body.SponsorID, body.Budget)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.seeder.SeedBatch(r.Context(), seed.BatchRequest{
		MarketIDs: body.MarketIDs,
		SponsorID: sponsor,
		Budget:    budget,
		DryRun:    body.DryRun,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to seed batch")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ingestTradesRequest struct {
	Trades []domain.TradeTapeEntry `json:"trades"`
}

// IngestTrades accepts trade tape entries. When a tape topic is configured
// the entries are appended to it and 202 is returned; otherwise they are
// stored directly.
// POST /api/admin/trades
func (h *AdminHandler) IngestTrades(w http.ResponseWriter, r *http.Request) {
	var body ingestTradesRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Trades) == 0 {
		writeError(w, http.StatusBadRequest, "trades is required")
		return
	}

	if h.appender != nil {
		for _, t := range body.Trades {
			if err := t.Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		if err := h.appender.Append(r.Context(), body.Trades); err != nil {
			writeDomainError(w, r, h.logger, err, "failed to append trades")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":  true,
			"appended": len(body.Trades),
		})
		return
	}

	res, err := h.ingest.Ingest(r.Context(), body.Trades)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to ingest trades")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Archive moves trade tape entries older than the retention period to
// object storage. ?prune=true also deletes them from the store.
// POST /api/admin/archive
func (h *AdminHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusNotFound, "archive is not enabled")
		return
	}
	prune, _ := strconv.ParseBool(r.URL.Query().Get("prune"))
	before := time.Now().UTC().Add(-h.retention)

	res, err := h.archiver.ArchiveTrades(r.Context(), before, prune)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to archive trades")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"path":     res.Path,
		"archived": res.Archived,
		"deleted":  res.Deleted,
		"before":   before.Format(time.RFC3339),
	})
}

type auditEntryView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit returns recent audit log entries, newest first.
// GET /api/admin/audit?limit=50&offset=0
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log is not enabled")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to list audit log")
		return
	}
	out := make([]auditEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
