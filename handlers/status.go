package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kpeters/chargetrack/backend/models"
	"github.com/kpeters/chargetrack/backend/services"
)

// StatusHandler serves the monitor's live view and the admin activity log.
type StatusHandler struct {
	db      *sql.DB
	monitor *services.Monitor
}

func NewStatusHandler(db *sql.DB, monitor *services.Monitor) *StatusHandler {
	return &StatusHandler{db: db, monitor: monitor}
}

// GetStatus returns the current charging state.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.monitor.Status())
}

// GetDebugStatus returns the live status plus the raw in-memory session
// record, samples included.
func (h *StatusHandler) GetDebugStatus(w http.ResponseWriter, r *http.Request) {
	debug := map[string]any{
		"status":  h.monitor.Status(),
		"current": h.monitor.CurrentSession(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(debug)
}

// GetLogs lists recent admin log entries, newest first. ?limit= caps the
// count (default 100).
func (h *StatusHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	rows, err := h.db.Query(`
		SELECT id, action, details, created_at
		FROM admin_logs ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		http.Error(w, "Failed to query logs", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	logs := []models.AdminLog{}
	for rows.Next() {
		var entry models.AdminLog
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Details, &entry.CreatedAt); err != nil {
			http.Error(w, "Failed to read logs", http.StatusInternalServerError)
			return
		}
		logs = append(logs, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(logs)
}
