package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/marmos91/cipherdrop/internal/session"
)

// SessionHandler serves pairing-code minting, per-session storage usage,
// and server occupancy stats.
type SessionHandler struct {
	mgr       *session.Manager
	startTime time.Time
}

// NewSessionHandler creates a SessionHandler over mgr.
func NewSessionHandler(mgr *session.Manager) *SessionHandler {
	return &SessionHandler{mgr: mgr, startTime: time.Now()}
}

// MintCode handles GET /api/code - allocates a session and returns its
// pairing code.
func (h *SessionHandler) MintCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.mgr.Create()
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests,
			"Server at capacity", "maximum number of active sessions reached, try again later")
		return
	case errors.Is(err, session.ErrCapacityExhausted):
		writeError(w, http.StatusServiceUnavailable,
			"Server at capacity", "could not allocate a pairing code")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

// Storage handles GET /api/session/{code}/storage - reports quota usage.
func (h *SessionHandler) Storage(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	info, err := h.mgr.StorageInfo(code)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCode) {
			writeError(w, http.StatusNotFound, "Session not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal server error", "failed to scan session storage")
		return
	}

	unlimited := info.Limit < 0
	resp := map[string]any{
		"currentUsage":   info.Used,
		"limit":          info.Limit,
		"fileCount":      info.FileCount,
		"formattedUsage": humanize.IBytes(uint64(info.Used)),
		"isUnlimited":    unlimited,
	}
	if unlimited {
		resp["formattedLimit"] = "Unlimited"
		resp["usagePercentage"] = 0.0
	} else {
		resp["formattedLimit"] = humanize.IBytes(uint64(info.Limit))
		if info.Limit > 0 {
			resp["usagePercentage"] = float64(info.Used) / float64(info.Limit) * 100
		} else {
			resp["usagePercentage"] = 100.0
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats handles GET /api/server/stats - reports session occupancy.
func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.mgr.Stats()

	unlimited := stats.Max < 0
	resp := map[string]any{
		"activeSessions": stats.Active,
		"maxSessions":    stats.Max,
		"isUnlimited":    unlimited,
	}
	if unlimited {
		resp["availableSlots"] = -1
		resp["usagePercentage"] = 0.0
	} else {
		available := stats.Max - stats.Active
		if available < 0 {
			available = 0
		}
		resp["availableSlots"] = available
		if stats.Max > 0 {
			resp["usagePercentage"] = float64(stats.Active) / float64(stats.Max) * 100
		} else {
			resp["usagePercentage"] = 100.0
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health - liveness probe.
func (h *SessionHandler) Health(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"service":    "cipherdrop",
		"uptime_sec": int64(uptime.Seconds()),
	})
}
