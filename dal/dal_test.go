package dal

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpeters/chargetrack/backend/database"
	"github.com/kpeters/chargetrack/backend/models"
)

func testStore(t *testing.T) (*Store, *sql.DB, string) {
	t.Helper()
	dir := t.TempDir()

	db, err := database.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))

	return NewStore(db, dir, nil), db, dir
}

func testRecord(id string, start time.Time) *models.SessionRecord {
	return &models.SessionRecord{
		SessionID: id,
		StartTime: start,
		EnergyKWh: 12.4,
	}
}

func TestPersistAndResolveRoundTrip(t *testing.T) {
	store, _, _ := testStore(t)
	start := time.Date(2026, 3, 14, 22, 30, 0, 0, time.UTC)

	require.NoError(t, store.Persist(testRecord("1001", start)))

	// With a date hint.
	hint := DateOf(start)
	record, err := store.Resolve("1001", &hint)
	require.NoError(t, err)
	assert.Equal(t, "1001", record.SessionID)
	assert.Equal(t, start, record.StartTime)
	assert.Equal(t, 12.4, record.EnergyKWh)

	// Without a hint (partition scan).
	record, err = store.Resolve("1001", nil)
	require.NoError(t, err)
	assert.Equal(t, "1001", record.SessionID)
}

func TestResolveUnknownSession(t *testing.T) {
	store, _, _ := testStore(t)

	_, err := store.Resolve("nope", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistRequiresIdentity(t *testing.T) {
	store, _, _ := testStore(t)

	assert.Error(t, store.Persist(&models.SessionRecord{}))
	assert.Error(t, store.Persist(&models.SessionRecord{SessionID: "1"}))
}

func TestOvernightSessionFiledUnderStartDate(t *testing.T) {
	store, _, dir := testStore(t)
	start := time.Date(2026, 3, 14, 23, 50, 0, 0, time.UTC)
	end := start.Add(4 * time.Hour) // ends on the 15th

	record := testRecord("2002", start)
	record.EndTime = &end
	require.NoError(t, store.Persist(record))

	path := filepath.Join(dir, "sessions", "2026", "03", "14", "2002.json")
	_, err := os.Stat(path)
	assert.NoError(t, err, "record should live in the partition of its start date")
}

func TestPersistMergePreservesPriorFields(t *testing.T) {
	store, _, _ := testStore(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	// First write: open session with samples.
	first := testRecord("3003", start)
	first.PowerSamples = []models.PowerSample{
		{Timestamp: start, PowerKW: 8.4},
		{Timestamp: start.Add(10 * time.Second), PowerKW: 8.6},
	}
	require.NoError(t, store.Persist(first))

	// Second write: finalization carrying only the end time.
	end := start.Add(2 * time.Hour)
	vehicle := "volvo_xc40"
	update := &models.SessionRecord{
		SessionID:  "3003",
		StartTime:  start,
		EndTime:    &end,
		VehicleID:  &vehicle,
		Confidence: 0.95,
	}
	require.NoError(t, store.Persist(update))

	hint := DateOf(start)
	record, err := store.Resolve("3003", &hint)
	require.NoError(t, err)

	assert.Len(t, record.PowerSamples, 2, "samples from the first write survive")
	assert.Equal(t, 12.4, record.EnergyKWh, "energy from the first write survives")
	require.NotNil(t, record.EndTime)
	assert.Equal(t, end, *record.EndTime)
	require.NotNil(t, record.VehicleID)
	assert.Equal(t, "volvo_xc40", *record.VehicleID)
	assert.Equal(t, 0.95, record.Confidence)
}

func TestPersistIdempotent(t *testing.T) {
	store, _, _ := testStore(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	hint := DateOf(start)

	require.NoError(t, store.Persist(testRecord("4004", start)))
	before, err := store.Resolve("4004", &hint)
	require.NoError(t, err)

	require.NoError(t, store.Persist(testRecord("4004", start)))
	after, err := store.Resolve("4004", &hint)
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestLiveTierTakesPriority(t *testing.T) {
	dir := t.TempDir()
	db, err := database.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, database.RunMigrations(db))

	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	live := &fakeLiveSource{record: &models.SessionRecord{
		SessionID: "5005",
		StartTime: start,
		EnergyKWh: 3.2,
	}}
	store := NewStore(db, dir, live)

	// Disk holds an older copy of the same session.
	stale := testRecord("5005", start)
	stale.EnergyKWh = 1.0
	require.NoError(t, store.Persist(stale))

	record, err := store.Resolve("5005", nil)
	require.NoError(t, err)
	assert.Equal(t, 3.2, record.EnergyKWh, "live tier answers before cache and disk")

	// Other sessions fall through the live tier.
	require.NoError(t, store.Persist(testRecord("6006", start)))
	record, err = store.Resolve("6006", nil)
	require.NoError(t, err)
	assert.Equal(t, "6006", record.SessionID)
}

type fakeLiveSource struct {
	record *models.SessionRecord
}

func (f *fakeLiveSource) CurrentSession() *models.SessionRecord {
	return f.record
}

func TestStaleCacheStepsAside(t *testing.T) {
	store, db, _ := testStore(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	hint := DateOf(start)

	require.NoError(t, store.Persist(testRecord("7007", start)))

	// Age the cache row, then write a newer copy straight to disk behind
	// the cache's back.
	_, err := db.Exec(`UPDATE session_cache SET updated_at = ? WHERE session_id = ?`,
		time.Now().UTC().Add(-time.Hour), "7007")
	require.NoError(t, err)

	newer := testRecord("7007", start)
	newer.EnergyKWh = 99.9
	_, err = store.Historical().Persist(newer)
	require.NoError(t, err)

	record, err := store.Resolve("7007", &hint)
	require.NoError(t, err)
	assert.Equal(t, 99.9, record.EnergyKWh, "fresher disk copy wins over the stale cache row")
}

func TestMalformedFileSkipsTier(t *testing.T) {
	store, _, dir := testStore(t)

	path := filepath.Join(dir, "sessions", "2026", "03", "14")
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "8008.json"), []byte("{not json"), 0644))

	hint := Date{Year: 2026, Month: 3, Day: 14}
	_, err := store.Resolve("8008", &hint)
	assert.ErrorIs(t, err, ErrNotFound, "a malformed file is an absence, not a failure")
}

func TestSessionsListingNewestFirst(t *testing.T) {
	store, _, _ := testStore(t)
	base := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

	require.NoError(t, store.Persist(testRecord("a1", base)))
	require.NoError(t, store.Persist(testRecord("a2", base.Add(48*time.Hour))))
	require.NoError(t, store.Persist(testRecord("a3", base.Add(24*time.Hour))))

	sessions, err := store.Historical().Sessions(2026, 3)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "a2", sessions[0].SessionID)
	assert.Equal(t, "a3", sessions[1].SessionID)
	assert.Equal(t, "a1", sessions[2].SessionID)
}

func TestMostRecentActive(t *testing.T) {
	store, _, _ := testStore(t)
	base := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

	closedEnd := base.Add(time.Hour)
	closed := testRecord("b1", base)
	closed.EndTime = &closedEnd
	require.NoError(t, store.Persist(closed))

	open := testRecord("b2", base.Add(24*time.Hour))
	require.NoError(t, store.Persist(open))

	record, err := store.Historical().MostRecentActive()
	require.NoError(t, err)
	assert.Equal(t, "b2", record.SessionID)
	assert.Nil(t, record.EndTime)
}

func TestYearsAndMonthsListing(t *testing.T) {
	store, _, _ := testStore(t)

	require.NoError(t, store.Persist(testRecord("c1", time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC))))
	require.NoError(t, store.Persist(testRecord("c2", time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))))

	years, err := store.Historical().Years()
	require.NoError(t, err)
	assert.Equal(t, []int{2025, 2026}, years)

	months, err := store.Historical().Months(2025)
	require.NoError(t, err)
	assert.Equal(t, []int{12}, months)
}
