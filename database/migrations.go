package database

import (
	"database/sql"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

func RunMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS admin_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Recently-written session cache, the middle tier of the lookup chain.
		// One row per session, payload is the full record JSON.
		`CREATE TABLE IF NOT EXISTS session_cache (
			session_id TEXT PRIMARY KEY,
			start_time DATETIME NOT NULL,
			payload TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_session_cache_start
			ON session_cache(start_time)`,

		// Single-row monitor state so a restart does not re-trigger a session
		// start for a charge already in progress.
		`CREATE TABLE IF NOT EXISTS monitor_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			active_session_id TEXT,
			active_session_start DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS vehicle_profiles (
			vehicle_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			nickname TEXT DEFAULT '',
			color TEXT DEFAULT '',
			mean_kw REAL NOT NULL,
			cv REAL NOT NULL,
			iqr REAL NOT NULL,
			sample_count INTEGER DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS admin_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			details TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %v", i+1, err)
		}
	}

	if err := seedAdminUser(db); err != nil {
		return err
	}

	if err := seedVehicleProfiles(db); err != nil {
		return err
	}

	log.Println("Database migrations completed")
	return nil
}

func seedAdminUser(db *sql.DB) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM admin_users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO admin_users (username, password_hash) VALUES (?, ?)
	`, "admin", string(hash))
	if err != nil {
		return err
	}

	log.Println("Created default admin user (admin / admin123)")
	return nil
}

// seedVehicleProfiles installs the reference centroids for the household
// vehicles on first run. After that the retrain endpoint owns them.
func seedVehicleProfiles(db *sql.DB) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM vehicle_profiles").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	seeds := []struct {
		id, name, nickname, color string
		meanKW, cv, iqr           float64
		samples                   int
	}{
		{"volvo", "Volvo XC40 Recharge", "the volvo", "#1f77b4", 8.50, 0.074, 0.45, 62},
		{"equinox", "Chevrolet Equinox EV", "the equinox", "#ff7f0e", 9.01, 0.014, 0.12, 48},
	}

	for _, s := range seeds {
		_, err := db.Exec(`
			INSERT INTO vehicle_profiles
				(vehicle_id, display_name, nickname, color, mean_kw, cv, iqr, sample_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, s.id, s.name, s.nickname, s.color, s.meanKW, s.cv, s.iqr, s.samples)
		if err != nil {
			return err
		}
	}

	log.Printf("Seeded %d vehicle profiles", len(seeds))
	return nil
}
