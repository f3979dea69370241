package classifier

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/kpeters/chargetrack/backend/models"
)

// Registry loads and updates vehicle profiles. Profiles live in SQLite and
// are handed to Classify as a plain slice; the live pipeline never writes
// them, only Retrain does.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Profiles() ([]models.VehicleProfile, error) {
	rows, err := r.db.Query(`
		SELECT vehicle_id, display_name, nickname, color, mean_kw, cv, iqr, sample_count, updated_at
		FROM vehicle_profiles
		ORDER BY vehicle_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicle profiles: %v", err)
	}
	defer rows.Close()

	var profiles []models.VehicleProfile
	for rows.Next() {
		var p models.VehicleProfile
		if err := rows.Scan(&p.VehicleID, &p.DisplayName, &p.Nickname, &p.Color,
			&p.Centroid.MeanKW, &p.Centroid.CV, &p.Centroid.IQR,
			&p.SampleCount, &p.UpdatedAt); err != nil {
			log.Printf("WARNING: Failed to scan vehicle profile: %v", err)
			continue
		}
		profiles = append(profiles, p)
	}

	return profiles, rows.Err()
}

// Retrain recomputes a vehicle's centroid from the feature vectors of
// sessions previously classified (or hand-labeled) as that vehicle. This is
// the only operation that mutates a centroid.
func (r *Registry) Retrain(vehicleID string, features []models.FeatureVector) error {
	if len(features) == 0 {
		return fmt.Errorf("no labeled sessions for vehicle %s", vehicleID)
	}

	var meanSum, cvSum, iqrSum float64
	for _, f := range features {
		meanSum += f.Mean
		cvSum += f.CV
		iqrSum += f.IQR
	}
	n := float64(len(features))

	result, err := r.db.Exec(`
		UPDATE vehicle_profiles
		SET mean_kw = ?, cv = ?, iqr = ?, sample_count = ?, updated_at = ?
		WHERE vehicle_id = ?
	`, meanSum/n, cvSum/n, iqrSum/n, len(features), time.Now().UTC(), vehicleID)
	if err != nil {
		return fmt.Errorf("failed to update vehicle profile: %v", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("unknown vehicle %s", vehicleID)
	}

	log.Printf("Classifier: Retrained %s from %d sessions (mean=%.2f kW, cv=%.3f, iqr=%.2f)",
		vehicleID, len(features), meanSum/n, cvSum/n, iqrSum/n)
	return nil
}
