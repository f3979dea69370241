package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kpeters/chargetrack/backend/classifier"
	"github.com/kpeters/chargetrack/backend/services"
)

// ReportHandler generates and serves monthly PDF reports.
type ReportHandler struct {
	generator *services.ReportGenerator
	registry  *classifier.Registry
}

func NewReportHandler(generator *services.ReportGenerator, registry *classifier.Registry) *ReportHandler {
	return &ReportHandler{generator: generator, registry: registry}
}

// Generate renders the PDF for one month.
func (h *ReportHandler) Generate(w http.ResponseWriter, r *http.Request) {
	year, ok := pathInt(w, r, "year")
	if !ok {
		return
	}
	month, ok := pathInt(w, r, "month")
	if !ok {
		return
	}
	if month < 1 || month > 12 {
		http.Error(w, "Invalid month", http.StatusBadRequest)
		return
	}

	if profiles, err := h.registry.Profiles(); err == nil {
		h.generator.SetProfiles(profiles)
	}

	filename, err := h.generator.GenerateMonthlyReport(year, month)
	if err != nil {
		http.Error(w, "Failed to generate report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"filename": filename})
}

// Weekly generates and streams the trailing-7-day report in one call.
func (h *ReportHandler) Weekly(w http.ResponseWriter, r *http.Request) {
	if profiles, err := h.registry.Profiles(); err == nil {
		h.generator.SetProfiles(profiles)
	}

	filename, err := h.generator.GenerateWeeklyReport(time.Now())
	if err != nil {
		http.Error(w, "Failed to generate report", http.StatusInternalServerError)
		return
	}

	path := filepath.Join(h.generator.ReportsDir(), filename)
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	http.ServeFile(w, r, path)
}

// Download streams a previously generated report.
func (h *ReportHandler) Download(w http.ResponseWriter, r *http.Request) {
	year, ok := pathInt(w, r, "year")
	if !ok {
		return
	}
	month, ok := pathInt(w, r, "month")
	if !ok {
		return
	}

	path := h.generator.ReportPath(year, month)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		http.Error(w, "Report not generated yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	http.ServeFile(w, r, path)
}
