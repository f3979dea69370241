package dal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kpeters/chargetrack/backend/models"
)

// Historical is the durable bottom tier: one JSON file per session under
// sessions/YYYY/MM/DD/{session_id}.json, partitioned by the session's START
// date so an overnight charge is filed under the day it began.
type Historical struct {
	baseDir string

	// Per-session-ID serialization for the read-modify-write in Persist.
	// Concurrent writers to different sessions do not contend.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewHistorical(dataDir string) *Historical {
	return &Historical{
		baseDir: filepath.Join(dataDir, "sessions"),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (h *Historical) Name() string { return "historical" }

func (h *Historical) sessionLock(sessionID string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	mu, ok := h.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		h.locks[sessionID] = mu
	}
	return mu
}

func (h *Historical) partitionDir(d Date) string {
	return filepath.Join(h.baseDir,
		fmt.Sprintf("%04d", d.Year),
		fmt.Sprintf("%02d", d.Month),
		fmt.Sprintf("%02d", d.Day))
}

// PathFor returns the file a record for this session/date lives at.
func (h *Historical) PathFor(sessionID string, d Date) string {
	return filepath.Join(h.partitionDir(d), sessionID+".json")
}

// Resolve loads a session record from disk. With a date hint it goes
// straight to that partition; without one it scans partitions newest to
// oldest until found or exhausted.
func (h *Historical) Resolve(sessionID string, hint *Date) TierResult {
	if hint != nil {
		return h.loadFrom(h.PathFor(sessionID, *hint))
	}

	path, err := h.scanFor(sessionID)
	if err != nil {
		return tierError(err)
	}
	if path == "" {
		return notFound()
	}
	return h.loadFrom(path)
}

func (h *Historical) loadFrom(path string) TierResult {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return notFound()
	}
	if err != nil {
		return tierError(fmt.Errorf("failed to read %s: %v", path, err))
	}

	var record models.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// Malformed file: a parse error skips the tier, it never aborts
		// the caller.
		return tierError(fmt.Errorf("malformed session file %s: %v", path, err))
	}
	return found(&record)
}

// scanFor walks year/month/day partitions in descending order looking for
// {sessionID}.json.
func (h *Historical) scanFor(sessionID string) (string, error) {
	years, err := h.Years()
	if err != nil {
		return "", err
	}

	filename := sessionID + ".json"
	for i := len(years) - 1; i >= 0; i-- {
		months, err := h.Months(years[i])
		if err != nil {
			continue
		}
		for j := len(months) - 1; j >= 0; j-- {
			days, err := h.days(years[i], months[j])
			if err != nil {
				continue
			}
			for k := len(days) - 1; k >= 0; k-- {
				path := filepath.Join(h.partitionDir(Date{years[i], months[j], days[k]}), filename)
				if _, err := os.Stat(path); err == nil {
					return path, nil
				}
			}
		}
	}
	return "", nil
}

// Persist merges the incoming record into whatever is already on disk for
// the same session and writes the result atomically (temp file + rename).
// Returns the merged record as stored.
func (h *Historical) Persist(record *models.SessionRecord) (*models.SessionRecord, error) {
	mu := h.sessionLock(record.SessionID)
	mu.Lock()
	defer mu.Unlock()

	path := h.PathFor(record.SessionID, DateOf(record.StartTime))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create partition dir: %v", err)
	}

	merged := record
	if prev := h.loadFrom(path); prev.Status == StatusFound {
		merged = mergeRecords(prev.Record, record)
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session %s: %v", record.SessionID, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write session file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to replace session file: %v", err)
	}

	return merged, nil
}

// mergeRecords resolves a write conflict last-write-wins per field: newer
// non-null values replace older ones, fields absent from the new write are
// preserved from the prior one.
func mergeRecords(prev, next *models.SessionRecord) *models.SessionRecord {
	merged := *next

	if merged.StartTime.IsZero() {
		merged.StartTime = prev.StartTime
	}
	if merged.EndTime == nil {
		merged.EndTime = prev.EndTime
	}
	if merged.EnergyKWh == 0 {
		merged.EnergyKWh = prev.EnergyKWh
	}
	if len(merged.PowerSamples) == 0 {
		merged.PowerSamples = prev.PowerSamples
	}
	if merged.VehicleID == nil {
		merged.VehicleID = prev.VehicleID
		if merged.Confidence == 0 {
			merged.Confidence = prev.Confidence
		}
	}
	if merged.Features == nil {
		merged.Features = prev.Features
	}

	return &merged
}

// ModTime reports when the session's file was last written, for cache
// staleness checks. Zero time when the file does not exist.
func (h *Historical) ModTime(sessionID string, d Date) time.Time {
	info, err := os.Stat(h.PathFor(sessionID, d))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Years lists the year partitions present on disk, ascending.
func (h *Historical) Years() ([]int, error) {
	return h.numericSubdirs(h.baseDir)
}

// Months lists the month partitions of a year, ascending.
func (h *Historical) Months(year int) ([]int, error) {
	return h.numericSubdirs(filepath.Join(h.baseDir, fmt.Sprintf("%04d", year)))
}

func (h *Historical) days(year, month int) ([]int, error) {
	return h.numericSubdirs(filepath.Join(h.baseDir,
		fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month)))
}

func (h *Historical) numericSubdirs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var values []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil {
			values = append(values, n)
		}
	}
	sort.Ints(values)
	return values, nil
}

// Sessions loads the summaries of every session started in a month, newest
// first. Unreadable files are skipped, not fatal.
func (h *Historical) Sessions(year, month int) ([]models.SessionSummary, error) {
	days, err := h.days(year, month)
	if err != nil {
		return nil, err
	}

	var summaries []models.SessionSummary
	for _, day := range days {
		dir := h.partitionDir(Date{year, month, day})
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			result := h.loadFrom(filepath.Join(dir, e.Name()))
			if result.Status != StatusFound {
				continue
			}
			r := result.Record
			summaries = append(summaries, models.SessionSummary{
				SessionID:  r.SessionID,
				StartTime:  r.StartTime,
				EndTime:    r.EndTime,
				EnergyKWh:  r.EnergyKWh,
				VehicleID:  r.VehicleID,
				Confidence: r.Confidence,
			})
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

// SessionInMonth finds a session's full record inside a month without
// knowing the day.
func (h *Historical) SessionInMonth(year, month int, sessionID string) (*models.SessionRecord, error) {
	days, err := h.days(year, month)
	if err != nil {
		return nil, err
	}

	for i := len(days) - 1; i >= 0; i-- {
		result := h.loadFrom(h.PathFor(sessionID, Date{year, month, days[i]}))
		if result.Status == StatusFound {
			return result.Record, nil
		}
	}
	return nil, ErrNotFound
}

// MostRecentActive finds the newest persisted record that has no end time.
// The monitor uses it on cold start to pick the active session back up
// instead of re-triggering a start transition.
func (h *Historical) MostRecentActive() (*models.SessionRecord, error) {
	years, err := h.Years()
	if err != nil {
		return nil, err
	}

	for i := len(years) - 1; i >= 0; i-- {
		months, _ := h.Months(years[i])
		for j := len(months) - 1; j >= 0; j-- {
			summaries, err := h.Sessions(years[i], months[j])
			if err != nil {
				continue
			}
			for _, s := range summaries { // newest first
				if s.EndTime != nil {
					continue
				}
				result := h.loadFrom(h.PathFor(s.SessionID, DateOf(s.StartTime)))
				if result.Status == StatusFound {
					return result.Record, nil
				}
			}
		}
	}
	return nil, ErrNotFound
}
