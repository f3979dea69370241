package services

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"

	"github.com/kpeters/chargetrack/backend/dal"
	"github.com/kpeters/chargetrack/backend/models"
)

// ReportGenerator renders monthly charging summaries to PDF from the
// historical store. Reports land in {dataDir}/reports and are also served
// from the API.
type ReportGenerator struct {
	historical *dal.Historical
	dataDir    string
	baseURL    string
	profiles   map[string]models.VehicleProfile
}

func NewReportGenerator(historical *dal.Historical, dataDir, baseURL string) *ReportGenerator {
	return &ReportGenerator{
		historical: historical,
		dataDir:    dataDir,
		baseURL:    baseURL,
	}
}

// SetProfiles supplies vehicle display names for the per-vehicle breakdown.
func (rg *ReportGenerator) SetProfiles(profiles []models.VehicleProfile) {
	rg.profiles = make(map[string]models.VehicleProfile, len(profiles))
	for _, p := range profiles {
		rg.profiles[p.VehicleID] = p
	}
}

type vehicleTotals struct {
	vehicleID string
	sessions  int
	energyKWh float64
}

// GenerateMonthlyReport builds the PDF for one month and returns its file
// name. A month with no sessions still produces a (short) report.
func (rg *ReportGenerator) GenerateMonthlyReport(year, month int) (string, error) {
	sessions, err := rg.historical.Sessions(year, month)
	if err != nil {
		return "", fmt.Errorf("failed to list sessions for %04d-%02d: %v", year, month, err)
	}

	monthName := time.Month(month).String()
	filename := fmt.Sprintf("charging_report_%04d_%02d.pdf", year, month)
	qrURL := ""
	if rg.baseURL != "" {
		qrURL = fmt.Sprintf("%s/history/%04d/%02d", rg.baseURL, year, month)
	}

	return rg.render(filename, fmt.Sprintf("%s %d", monthName, year), sessions, qrURL)
}

// GenerateWeeklyReport covers the trailing 7 days, which may straddle a
// month boundary.
func (rg *ReportGenerator) GenerateWeeklyReport(now time.Time) (string, error) {
	now = now.UTC()
	cutoff := now.AddDate(0, 0, -7)

	months := [][2]int{{cutoff.Year(), int(cutoff.Month())}}
	if now.Year() != cutoff.Year() || now.Month() != cutoff.Month() {
		months = append(months, [2]int{now.Year(), int(now.Month())})
	}

	var sessions []models.SessionSummary
	for _, ym := range months {
		monthly, err := rg.historical.Sessions(ym[0], ym[1])
		if err != nil {
			return "", fmt.Errorf("failed to list sessions for %04d-%02d: %v", ym[0], ym[1], err)
		}
		for _, s := range monthly {
			if !s.StartTime.Before(cutoff) && !s.StartTime.After(now) {
				sessions = append(sessions, s)
			}
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartTime.After(sessions[j].StartTime) })

	filename := fmt.Sprintf("charging_report_week_%s.pdf", now.Format("2006_01_02"))
	subtitle := fmt.Sprintf("Week ending %s", now.Format("January 2, 2006"))

	qrURL := ""
	if rg.baseURL != "" {
		qrURL = fmt.Sprintf("%s/history/%04d/%02d", rg.baseURL, now.Year(), int(now.Month()))
	}

	return rg.render(filename, subtitle, sessions, qrURL)
}

func (rg *ReportGenerator) render(filename, subtitle string, sessions []models.SessionSummary, qrURL string) (string, error) {
	totalEnergy := 0.0
	classified := 0
	byVehicle := make(map[string]*vehicleTotals)
	for _, s := range sessions {
		totalEnergy += s.EnergyKWh
		key := "unclassified"
		if s.VehicleID != nil {
			key = *s.VehicleID
			classified++
		}
		t, ok := byVehicle[key]
		if !ok {
			t = &vehicleTotals{vehicleID: key}
			byVehicle[key] = t
		}
		t.sessions++
		t.energyKWh += s.EnergyKWh
	}

	totals := make([]vehicleTotals, 0, len(byVehicle))
	for _, t := range byVehicle {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].energyKWh > totals[j].energyKWh })

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()

	// Header
	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(0, 123, 255)
	pdf.Cell(0, 10, "Charging Report")
	pdf.Ln(8)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, subtitle)
	pdf.Ln(12)

	// Summary block
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, "SUMMARY")
	pdf.Ln(6)

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(0, 0, 0)
	pdf.Cell(0, 4, fmt.Sprintf("Sessions: %d (%d classified)", len(sessions), classified))
	pdf.Ln(4)
	pdf.Cell(0, 4, fmt.Sprintf("Total energy: %.2f kWh", totalEnergy))
	pdf.Ln(4)
	pdf.Cell(0, 4, "Generated: "+time.Now().UTC().Format("2006-01-02 15:04 MST"))
	pdf.Ln(10)

	// Per-vehicle breakdown
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, "BY VEHICLE")
	pdf.Ln(6)

	pdf.SetFillColor(240, 240, 240)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(80, 6, "Vehicle", "1", 0, "L", true, 0, "")
	pdf.CellFormat(40, 6, "Sessions", "1", 0, "R", true, 0, "")
	pdf.CellFormat(50, 6, "Energy (kWh)", "1", 0, "R", true, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Arial", "", 9)
	for _, t := range totals {
		name := t.vehicleID
		if p, ok := rg.profiles[t.vehicleID]; ok && p.DisplayName != "" {
			name = p.DisplayName
		}
		pdf.CellFormat(80, 6, name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, fmt.Sprintf("%d", t.sessions), "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 6, fmt.Sprintf("%.2f", t.energyKWh), "1", 0, "R", false, 0, "")
		pdf.Ln(6)
	}
	pdf.Ln(8)

	// Session table
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(100, 100, 100)
	pdf.Cell(0, 6, "SESSIONS")
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 8)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(35, 6, "Date", "1", 0, "L", true, 0, "")
	pdf.CellFormat(30, 6, "Session", "1", 0, "L", true, 0, "")
	pdf.CellFormat(35, 6, "Duration", "1", 0, "R", true, 0, "")
	pdf.CellFormat(30, 6, "Energy (kWh)", "1", 0, "R", true, 0, "")
	pdf.CellFormat(40, 6, "Vehicle", "1", 0, "L", true, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Arial", "", 8)
	for _, s := range sessions {
		duration := "-"
		if s.EndTime != nil {
			duration = s.EndTime.Sub(s.StartTime).Round(time.Minute).String()
		}
		vehicle := "-"
		if s.VehicleID != nil {
			vehicle = *s.VehicleID
			if p, ok := rg.profiles[*s.VehicleID]; ok && p.DisplayName != "" {
				vehicle = p.DisplayName
			}
			vehicle = fmt.Sprintf("%s (%.0f%%)", vehicle, s.Confidence*100)
		}
		pdf.CellFormat(35, 6, s.StartTime.Format("2006-01-02 15:04"), "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, s.SessionID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 6, duration, "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", s.EnergyKWh), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 6, vehicle, "1", 0, "L", false, 0, "")
		pdf.Ln(6)
	}
	pdf.Ln(10)

	// QR code linking to the dashboard view of this period.
	if qrURL != "" {
		tempQR := filepath.Join(os.TempDir(), "chargetrack_qr_"+filename+".png")
		if err := qrcode.WriteFile(qrURL, qrcode.Medium, 280, tempQR); err == nil {
			defer os.Remove(tempQR)
			pdf.SetFont("Arial", "", 8)
			pdf.SetTextColor(100, 100, 100)
			pdf.Cell(0, 4, "Scan for the live view of this period:")
			pdf.Ln(6)
			y := pdf.GetY()
			pdf.ImageOptions(tempQR, 15, y, 30, 30, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		}
	}

	reportsDir := filepath.Join(rg.dataDir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create reports directory: %v", err)
	}

	outPath := filepath.Join(reportsDir, filename)
	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return "", fmt.Errorf("failed to save PDF: %v", err)
	}

	log.Printf("Generated report: %s (%d sessions, %.2f kWh)", filename, len(sessions), totalEnergy)
	return filename, nil
}

// ReportPath returns the on-disk location of a previously generated report.
func (rg *ReportGenerator) ReportPath(year, month int) string {
	return filepath.Join(rg.ReportsDir(), fmt.Sprintf("charging_report_%04d_%02d.pdf", year, month))
}

func (rg *ReportGenerator) ReportsDir() string {
	return filepath.Join(rg.dataDir, "reports")
}
