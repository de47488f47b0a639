package handler

import (
	"net/http"
	"time"
)

// QueueDepth reports how many recomputations are waiting.
type QueueDepth interface {
	Pending() int
}

// StatusHandler serves process status (mode, uptime, recompute backlog).
type StatusHandler struct {
	Mode      string
	StartedAt time.Time
	queue     QueueDepth
}

// NewStatusHandler creates a StatusHandler. queue may be nil.
func NewStatusHandler(mode string, startedAt time.Time, queue QueueDepth) *StatusHandler {
	return &StatusHandler{Mode: mode, StartedAt: startedAt, queue: queue}
}

// GetStatus responds with the current mode, uptime and recompute backlog.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	pending := 0
	if h.queue != nil {
		pending = h.queue.Pending()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":              h.Mode,
		"uptime_seconds":    int64(time.Since(h.StartedAt).Seconds()),
		"pending_recompute": pending,
	})
}
