package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kpeters/chargetrack/backend/dal"
	"github.com/kpeters/chargetrack/backend/models"
	"github.com/kpeters/chargetrack/backend/services/chargepoint"
)

// HistoryHandler serves the date-partitioned session archive and the
// resolver chain lookup.
type HistoryHandler struct {
	store    *dal.Store
	cpClient *chargepoint.Client
}

func NewHistoryHandler(store *dal.Store, cpClient *chargepoint.Client) *HistoryHandler {
	return &HistoryHandler{store: store, cpClient: cpClient}
}

// GetYears lists the years with recorded sessions.
func (h *HistoryHandler) GetYears(w http.ResponseWriter, r *http.Request) {
	years, err := h.store.Historical().Years()
	if err != nil {
		http.Error(w, "Failed to list years", http.StatusInternalServerError)
		return
	}
	if years == nil {
		years = []int{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(years)
}

// GetMonths lists the months of one year with recorded sessions.
func (h *HistoryHandler) GetMonths(w http.ResponseWriter, r *http.Request) {
	year, ok := pathInt(w, r, "year")
	if !ok {
		return
	}

	months, err := h.store.Historical().Months(year)
	if err != nil {
		http.Error(w, "Failed to list months", http.StatusInternalServerError)
		return
	}
	if months == nil {
		months = []int{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(months)
}

// GetSessions lists one month's sessions, newest first.
func (h *HistoryHandler) GetSessions(w http.ResponseWriter, r *http.Request) {
	year, ok := pathInt(w, r, "year")
	if !ok {
		return
	}
	month, ok := pathInt(w, r, "month")
	if !ok {
		return
	}

	sessions, err := h.store.Historical().Sessions(year, month)
	if err != nil {
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []models.SessionSummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// GetSessionInMonth loads a session's full record knowing only the month it
// started in, without touching the cache or live tiers.
func (h *HistoryHandler) GetSessionInMonth(w http.ResponseWriter, r *http.Request) {
	year, ok := pathInt(w, r, "year")
	if !ok {
		return
	}
	month, ok := pathInt(w, r, "month")
	if !ok {
		return
	}
	sessionID := mux.Vars(r)["id"]

	record, err := h.store.Historical().SessionInMonth(year, month, sessionID)
	if err == dal.ErrNotFound {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

// GetSession resolves one session through the tier chain. An optional
// ?date=YYYY-MM-DD query skips the partition scan.
func (h *HistoryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var hint *dal.Date
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		t, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			http.Error(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		d := dal.DateOf(t)
		hint = &d
	}

	record, err := h.store.Resolve(sessionID, hint)
	if err == dal.ErrNotFound {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to resolve session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

type backfillResult struct {
	Year       int      `json:"year"`
	Month      int      `json:"month"`
	Found      int      `json:"found"`
	Imported   int      `json:"imported"`
	Skipped    int      `json:"skipped"`
	SessionIDs []string `json:"imported_session_ids"`
}

// Backfill pulls one month of history from the upstream API and persists
// any sessions the local archive is missing. Sessions already on disk are
// left untouched.
func (h *HistoryHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	if h.cpClient == nil {
		http.Error(w, "No upstream session source configured", http.StatusServiceUnavailable)
		return
	}

	year, ok := pathInt(w, r, "year")
	if !ok {
		return
	}
	month, ok := pathInt(w, r, "month")
	if !ok {
		return
	}

	summaries, err := h.cpClient.GetMonthHistory(r.Context(), year, month)
	if err != nil {
		// The JSON endpoint occasionally breaks; scrape session IDs off
		// the rendered activity page instead and fetch details per ID.
		log.Printf("WARNING: Backfill history fetch failed for %04d-%02d, trying activity page: %v", year, month, err)
		summaries, err = h.backfillFromActivityPage(r, year, month)
		if err != nil {
			log.Printf("ERROR: Backfill fallback failed for %04d-%02d: %v", year, month, err)
			http.Error(w, "Failed to fetch upstream history", http.StatusBadGateway)
			return
		}
	}

	result := backfillResult{Year: year, Month: month, Found: len(summaries), SessionIDs: []string{}}

	for _, s := range summaries {
		hint := dal.DateOf(s.StartTime)
		if _, err := h.store.Resolve(s.SessionID, &hint); err == nil {
			result.Skipped++
			continue
		}

		record, err := h.cpClient.GetSessionActivity(r.Context(), s.SessionID)
		if err != nil {
			// Fall back to the summary fields; better a thin record
			// than a hole in the archive.
			log.Printf("WARNING: Backfill detail fetch failed for session %s: %v", s.SessionID, err)
			record = &models.SessionRecord{
				SessionID: s.SessionID,
				StartTime: s.StartTime,
				EndTime:   s.EndTime,
				EnergyKWh: s.EnergyKWh,
			}
		}

		if err := h.store.Persist(record); err != nil {
			log.Printf("ERROR: Backfill persist failed for session %s: %v", s.SessionID, err)
			continue
		}
		result.Imported++
		result.SessionIDs = append(result.SessionIDs, s.SessionID)
	}

	log.Printf("Backfill %04d-%02d: %d upstream, %d imported, %d already present",
		year, month, result.Found, result.Imported, result.Skipped)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// backfillFromActivityPage resolves session IDs via the headless-browser
// scrape and narrows them to the requested month by fetching each detail.
func (h *HistoryHandler) backfillFromActivityPage(r *http.Request, year, month int) ([]models.SessionSummary, error) {
	ids, err := h.cpClient.SessionIDsFromActivityPage(r.Context())
	if err != nil {
		return nil, err
	}

	var summaries []models.SessionSummary
	for _, id := range ids {
		record, err := h.cpClient.GetSessionActivity(r.Context(), id)
		if err != nil {
			log.Printf("WARNING: Could not fetch scraped session %s: %v", id, err)
			continue
		}
		if record.StartTime.Year() != year || int(record.StartTime.Month()) != month {
			continue
		}
		summaries = append(summaries, models.SessionSummary{
			SessionID: record.SessionID,
			StartTime: record.StartTime,
			EndTime:   record.EndTime,
			EnergyKWh: record.EnergyKWh,
		})
	}
	return summaries, nil
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	value, err := strconv.Atoi(mux.Vars(r)[name])
	if err != nil {
		http.Error(w, "Invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return value, true
}
