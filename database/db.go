package database

import (
	"database/sql"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the ChargeTrack SQLite database. The poll loop, the sampler
// goroutine, and API handlers all share this handle, so WAL keeps readers
// from blocking behind the monitor's writes and the pool is pinned to a
// single connection to sidestep SQLITE_BUSY between writers.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	log.Printf("Database ready at %s (WAL mode)", dataSourceName)
	return db, nil
}
