// Package dal is the session data-access layer: a chain of resolver tiers
// (live source, recently-written cache, on-disk history) tried in a fixed
// order, plus the idempotent write path into the date-partitioned history.
package dal

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kpeters/chargetrack/backend/models"
)

// ErrNotFound is returned by Resolve when no tier produced a record. It is
// an absence, not a failure - callers surface it as such.
var ErrNotFound = errors.New("session not found in any tier")

// Date is the optional lookup hint for historical resolution. It is only a
// key; it is never persisted.
type Date struct {
	Year  int
	Month int
	Day   int
}

func DateOf(t time.Time) Date {
	u := t.UTC()
	return Date{Year: u.Year(), Month: int(u.Month()), Day: u.Day()}
}

// ResolveStatus tags the outcome of a single tier.
type ResolveStatus int

const (
	StatusFound ResolveStatus = iota
	StatusNotFound
	StatusError
)

// TierResult is what each resolver reports. A tier error never propagates;
// the chain logs it and moves on to the next tier.
type TierResult struct {
	Status ResolveStatus
	Record *models.SessionRecord
	Err    error
}

func found(rec *models.SessionRecord) TierResult {
	return TierResult{Status: StatusFound, Record: rec}
}

func notFound() TierResult {
	return TierResult{Status: StatusNotFound}
}

func tierError(err error) TierResult {
	return TierResult{Status: StatusError, Err: err}
}

// Resolver is one tier in the fallback chain.
type Resolver interface {
	Name() string
	Resolve(sessionID string, hint *Date) TierResult
}

// Store composes the resolver tiers and owns the write path.
type Store struct {
	resolvers  []Resolver
	historical *Historical
	cache      *Cache
}

// NewStore builds the standard three-tier chain. live may be nil when no
// live source is wired (e.g. offline report generation).
func NewStore(db *sql.DB, dataDir string, live LiveSource) *Store {
	historical := NewHistorical(dataDir)
	cache := NewCache(db, historical)

	resolvers := make([]Resolver, 0, 3)
	if live != nil {
		resolvers = append(resolvers, &liveResolver{source: live})
	}
	resolvers = append(resolvers, cache, historical)

	return &Store{
		resolvers:  resolvers,
		historical: historical,
		cache:      cache,
	}
}

// Historical exposes the bottom tier for directory listings and cold-start
// recovery.
func (s *Store) Historical() *Historical {
	return s.historical
}

// Resolve walks the tiers in order and returns the first usable record.
// Each tier failure is logged distinctly and the next tier attempted; only
// when every tier comes up empty is ErrNotFound returned.
func (s *Store) Resolve(sessionID string, hint *Date) (*models.SessionRecord, error) {
	for _, r := range s.resolvers {
		result := r.Resolve(sessionID, hint)
		switch result.Status {
		case StatusFound:
			return result.Record, nil
		case StatusError:
			log.Printf("WARNING: Store tier %s failed for session %s: %v", r.Name(), sessionID, result.Err)
		case StatusNotFound:
			// Try the next tier.
		}
	}
	return nil, ErrNotFound
}

// Persist writes a record to the date partition of its start day and upserts
// the cache tier. Writing the same session twice merges last-write-wins with
// prior non-null fields preserved, so finalization after classification
// overwrites rather than duplicates.
func (s *Store) Persist(record *models.SessionRecord) error {
	if record == nil || record.SessionID == "" {
		return fmt.Errorf("cannot persist record without session id")
	}
	if record.StartTime.IsZero() {
		return fmt.Errorf("cannot persist session %s without start time", record.SessionID)
	}

	merged, err := s.historical.Persist(record)
	if err != nil {
		return err
	}

	// Cache failures are not fatal: the disk partition is the source of
	// truth and the resolver chain falls through to it.
	if err := s.cache.Put(merged); err != nil {
		log.Printf("WARNING: Failed to update session cache for %s: %v", record.SessionID, err)
	}

	return nil
}
