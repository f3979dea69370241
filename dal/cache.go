package dal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kpeters/chargetrack/backend/models"
)

// Cache is the middle tier: recently-written records kept in SQLite so the
// common "look up yesterday's session" case never touches a partition scan.
type Cache struct {
	db         *sql.DB
	historical *Historical
}

func NewCache(db *sql.DB, historical *Historical) *Cache {
	return &Cache{db: db, historical: historical}
}

func (c *Cache) Name() string { return "cache" }

// Resolve returns the cached copy unless the historical file has been
// written more recently, in which case the cache steps aside so the chain
// falls through to the fresher disk copy (last write wins).
func (c *Cache) Resolve(sessionID string, _ *Date) TierResult {
	var payload string
	var updatedAt time.Time

	err := c.db.QueryRow(`
		SELECT payload, updated_at FROM session_cache WHERE session_id = ?
	`, sessionID).Scan(&payload, &updatedAt)

	if err == sql.ErrNoRows {
		return notFound()
	}
	if err != nil {
		return tierError(fmt.Errorf("cache query failed: %v", err))
	}

	var record models.SessionRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return tierError(fmt.Errorf("malformed cache payload for %s: %v", sessionID, err))
	}

	if c.historical != nil {
		diskMod := c.historical.ModTime(sessionID, DateOf(record.StartTime))
		if !diskMod.IsZero() && diskMod.After(updatedAt) {
			return notFound()
		}
	}

	return found(&record)
}

// Put upserts the cached copy of a record.
func (c *Cache) Put(record *models.SessionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record for cache: %v", err)
	}

	_, err = c.db.Exec(`
		INSERT INTO session_cache (session_id, start_time, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			start_time = excluded.start_time,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, record.SessionID, record.StartTime.UTC(), string(payload), time.Now().UTC())
	return err
}

// Prune drops cache rows older than the retention window. The historical
// tier still has everything.
func (c *Cache) Prune(olderThan time.Duration) (int64, error) {
	result, err := c.db.Exec(`
		DELETE FROM session_cache WHERE updated_at < ?
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
