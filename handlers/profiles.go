package handlers

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kpeters/chargetrack/backend/classifier"
	"github.com/kpeters/chargetrack/backend/dal"
	"github.com/kpeters/chargetrack/backend/models"
)

// ProfileHandler manages the vehicle registry: listing, display metadata,
// manual session labeling, and centroid retraining.
type ProfileHandler struct {
	db       *sql.DB
	registry *classifier.Registry
	store    *dal.Store
}

func NewProfileHandler(db *sql.DB, registry *classifier.Registry, store *dal.Store) *ProfileHandler {
	return &ProfileHandler{db: db, registry: registry, store: store}
}

func (h *ProfileHandler) List(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.registry.Profiles()
	if err != nil {
		http.Error(w, "Failed to load vehicle profiles", http.StatusInternalServerError)
		return
	}
	if profiles == nil {
		profiles = []models.VehicleProfile{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profiles)
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname"`
	Color       string `json:"color"`
}

// Update changes display metadata only. Centroids go through Retrain.
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["id"]

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" {
		http.Error(w, "display_name is required", http.StatusBadRequest)
		return
	}

	result, err := h.db.Exec(`
		UPDATE vehicle_profiles
		SET display_name = ?, nickname = ?, color = ?, updated_at = CURRENT_TIMESTAMP
		WHERE vehicle_id = ?
	`, req.DisplayName, req.Nickname, req.Color, vehicleID)
	if err != nil {
		http.Error(w, "Failed to update profile", http.StatusInternalServerError)
		return
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		http.Error(w, "Unknown vehicle", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Profile updated"})
}

type labelSessionRequest struct {
	VehicleID string `json:"vehicle_id"`
	Date      string `json:"date,omitempty"`
}

// LabelSession hand-assigns a session to a vehicle with full confidence.
// Labeled sessions are the training input for Retrain.
func (h *ProfileHandler) LabelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var req labelSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.VehicleID == "" {
		http.Error(w, "vehicle_id is required", http.StatusBadRequest)
		return
	}

	var exists int
	err := h.db.QueryRow("SELECT COUNT(*) FROM vehicle_profiles WHERE vehicle_id = ?", req.VehicleID).Scan(&exists)
	if err != nil || exists == 0 {
		http.Error(w, "Unknown vehicle", http.StatusNotFound)
		return
	}

	hint := dateHint(req.Date)
	record, err := h.store.Resolve(sessionID, hint)
	if err == dal.ErrNotFound {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to resolve session", http.StatusInternalServerError)
		return
	}

	record.VehicleID = &req.VehicleID
	record.Confidence = 1.0

	if err := h.store.Persist(record); err != nil {
		log.Printf("ERROR: Failed to persist label for session %s: %v", sessionID, err)
		http.Error(w, "Failed to save label", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

type retrainRequest struct {
	SessionIDs []string `json:"session_ids"`
	Date       string   `json:"date,omitempty"`
}

type retrainResponse struct {
	VehicleID string                `json:"vehicle_id"`
	Used      int                   `json:"sessions_used"`
	Skipped   []string              `json:"sessions_skipped"`
	Profile   models.VehicleProfile `json:"profile"`
}

// Retrain recomputes a vehicle's centroid from the named sessions. Sessions
// that cannot be resolved or carry no features are skipped, not fatal.
func (h *ProfileHandler) Retrain(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["id"]

	var req retrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.SessionIDs) == 0 {
		http.Error(w, "session_ids is required", http.StatusBadRequest)
		return
	}

	hint := dateHint(req.Date)
	var features []models.FeatureVector
	var skipped []string
	for _, id := range req.SessionIDs {
		record, err := h.store.Resolve(id, hint)
		if err != nil || record.Features == nil {
			skipped = append(skipped, id)
			continue
		}
		features = append(features, *record.Features)
	}

	if err := h.registry.Retrain(vehicleID, features); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	profiles, err := h.registry.Profiles()
	if err != nil {
		http.Error(w, "Failed to reload profiles", http.StatusInternalServerError)
		return
	}

	resp := retrainResponse{VehicleID: vehicleID, Used: len(features), Skipped: skipped}
	if resp.Skipped == nil {
		resp.Skipped = []string{}
	}
	for _, p := range profiles {
		if p.VehicleID == vehicleID {
			resp.Profile = p
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func dateHint(dateStr string) *dal.Date {
	if dateStr == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return nil
	}
	d := dal.DateOf(t)
	return &d
}
