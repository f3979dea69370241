package services

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpeters/chargetrack/backend/classifier"
	"github.com/kpeters/chargetrack/backend/dal"
	"github.com/kpeters/chargetrack/backend/database"
	"github.com/kpeters/chargetrack/backend/models"
)

type fakeSource struct {
	mu      sync.Mutex
	session *models.ActiveSession
	err     error
	calls   int
}

func (f *fakeSource) set(session *models.ActiveSession, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session, f.err = session, err
}

func (f *fakeSource) GetActiveSession(ctx context.Context) (*models.ActiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.session == nil {
		return nil, nil
	}
	copy := *f.session
	return &copy, nil
}

func testMonitor(t *testing.T) (*Monitor, *fakeSource, *dal.Store, *sql.DB) {
	t.Helper()
	sampler := NewSampler(newFakeReader(9.0), time.Millisecond, 10*time.Millisecond, time.Second)
	return testMonitorWith(t, sampler)
}

func testMonitorWith(t *testing.T, sampler *Sampler) (*Monitor, *fakeSource, *dal.Store, *sql.DB) {
	t.Helper()
	dir := t.TempDir()

	db, err := database.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))

	source := &fakeSource{}
	registry := classifier.NewRegistry(db)

	monitor := NewMonitor(db, source, nil, registry, sampler, time.Minute)
	store := dal.NewStore(db, dir, monitor)
	monitor.SetStore(store)

	return monitor, source, store, db
}

func activeAt(id string, start time.Time) *models.ActiveSession {
	return &models.ActiveSession{
		SessionID: id,
		StartTime: start,
		PowerKW:   9.0,
		EnergyKWh: 0.5,
	}
}

func TestPollSourceOutageIsNoOp(t *testing.T) {
	monitor, source, _, _ := testMonitor(t)
	source.set(nil, fmt.Errorf("connection refused"))

	monitor.Poll(context.Background())

	assert.Nil(t, monitor.CurrentSession())
	status := monitor.Status()
	assert.Equal(t, "idle", status.State)
	assert.False(t, status.SourceReachable)
	assert.Equal(t, 1, status.ConsecutiveFails)
}

func TestPollStartTransition(t *testing.T) {
	monitor, source, store, _ := testMonitor(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	source.set(activeAt("1001", start), nil)

	monitor.Poll(context.Background())

	current := monitor.CurrentSession()
	require.NotNil(t, current)
	assert.Equal(t, "1001", current.SessionID)
	assert.Equal(t, start, current.StartTime)

	// The open record is on disk immediately, not only at session end.
	hint := dal.DateOf(start)
	record, err := store.Resolve("1001", &hint)
	require.NoError(t, err)
	assert.Equal(t, "1001", record.SessionID)

	status := monitor.Status()
	assert.Equal(t, "charging", status.State)
	assert.Equal(t, 9.0, status.PowerKW)
}

func TestClassificationArrivesAsynchronously(t *testing.T) {
	monitor, source, store, _ := testMonitor(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	source.set(activeAt("2002", start), nil)

	monitor.Poll(context.Background())

	// A steady 9.0 kW curve has near-zero variability: that is the
	// Equinox profile, not the Volvo's wavier one.
	hint := dal.DateOf(start)
	require.Eventually(t, func() bool {
		record, err := store.Resolve("2002", &hint)
		return err == nil && record.VehicleID != nil
	}, 2*time.Second, 10*time.Millisecond)

	record, err := store.Resolve("2002", &hint)
	require.NoError(t, err)
	assert.Equal(t, "equinox", *record.VehicleID)
	assert.Greater(t, record.Confidence, 0.0)
	assert.NotEmpty(t, record.PowerSamples)
	require.NotNil(t, record.Features)
	assert.InDelta(t, 9.0, record.Features.Mean, 1e-9)
}

func TestPollEndTransition(t *testing.T) {
	monitor, source, store, db := testMonitor(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	source.set(activeAt("3003", start), nil)
	monitor.Poll(context.Background())
	require.NotNil(t, monitor.CurrentSession())

	source.set(nil, nil)
	monitor.Poll(context.Background())

	assert.Nil(t, monitor.CurrentSession())
	assert.Equal(t, "idle", monitor.Status().State)

	hint := dal.DateOf(start)
	record, err := store.Resolve("3003", &hint)
	require.NoError(t, err)
	assert.NotNil(t, record.EndTime)

	// Saved state is cleared so a restart does not resurrect the session.
	var savedID sql.NullString
	err = db.QueryRow("SELECT active_session_id FROM monitor_state WHERE id = 1").Scan(&savedID)
	require.NoError(t, err)
	assert.False(t, savedID.Valid)
}

func TestOutageDoesNotCloseSession(t *testing.T) {
	monitor, source, _, _ := testMonitor(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	source.set(activeAt("4004", start), nil)
	monitor.Poll(context.Background())

	source.set(nil, fmt.Errorf("502 bad gateway"))
	monitor.Poll(context.Background())

	current := monitor.CurrentSession()
	require.NotNil(t, current, "an unreachable source must not end the session")
	assert.Equal(t, "4004", current.SessionID)
	assert.False(t, monitor.Status().SourceReachable)
}

func TestSessionChangeClosesPrevious(t *testing.T) {
	monitor, source, store, _ := testMonitor(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	source.set(activeAt("5005", start), nil)
	monitor.Poll(context.Background())

	second := start.Add(3 * time.Hour)
	source.set(activeAt("6006", second), nil)
	monitor.Poll(context.Background())

	current := monitor.CurrentSession()
	require.NotNil(t, current)
	assert.Equal(t, "6006", current.SessionID)

	hint := dal.DateOf(start)
	previous, err := store.Resolve("5005", &hint)
	require.NoError(t, err)
	assert.NotNil(t, previous.EndTime, "the replaced session gets closed")
}

func TestOverlappingPollIsSkipped(t *testing.T) {
	monitor, _, _, _ := testMonitor(t)

	release := make(chan struct{})
	blocking := &blockingSource{release: release}
	monitor.source = blocking

	done := make(chan struct{})
	go func() {
		monitor.Poll(context.Background())
		close(done)
	}()

	// Wait until the first poll is inside the source call, then fire a
	// second poll. It must return without touching the source.
	require.Eventually(t, func() bool { return blocking.entered.Load() }, time.Second, time.Millisecond)
	monitor.Poll(context.Background())
	assert.Equal(t, int64(1), blocking.calls.Load())

	close(release)
	<-done
}

func TestColdStartRestoresActiveSession(t *testing.T) {
	monitor, _, store, db := testMonitor(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	// Simulate a previous run: open session on disk and in monitor_state.
	require.NoError(t, store.Persist(&models.SessionRecord{SessionID: "7007", StartTime: start}))
	_, err := db.Exec(`
		INSERT INTO monitor_state (id, active_session_id, active_session_start)
		VALUES (1, '7007', ?)
	`, start)
	require.NoError(t, err)

	monitor.restoreState()

	current := monitor.CurrentSession()
	require.NotNil(t, current)
	assert.Equal(t, "7007", current.SessionID)
	assert.Equal(t, start, current.StartTime)
}

func TestColdStartFallsBackToHistorical(t *testing.T) {
	monitor, _, store, _ := testMonitor(t)
	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

	// Open record on disk but no saved monitor state.
	require.NoError(t, store.Persist(&models.SessionRecord{SessionID: "8008", StartTime: start}))

	monitor.restoreState()

	current := monitor.CurrentSession()
	require.NotNil(t, current)
	assert.Equal(t, "8008", current.SessionID)
}

func TestShortSessionGetsIntegratedEnergy(t *testing.T) {
	// Sampling window much longer than the session: closure cancels the
	// capture and the samples land through the merge afterwards.
	sampler := NewSampler(newFakeReader(9.0), 5*time.Millisecond, time.Minute, time.Minute)
	monitor, source, store, _ := testMonitorWith(t, sampler)

	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	session := activeAt("9009", start)
	session.EnergyKWh = 0 // source never reports a total
	source.set(session, nil)
	monitor.Poll(context.Background())

	time.Sleep(50 * time.Millisecond) // let a few samples accumulate
	source.set(nil, nil)
	monitor.Poll(context.Background())

	hint := dal.DateOf(start)
	require.Eventually(t, func() bool {
		record, err := store.Resolve("9009", &hint)
		return err == nil && record.EndTime != nil &&
			len(record.PowerSamples) >= 2 && record.EnergyKWh > 0
	}, 2*time.Second, 10*time.Millisecond,
		"a record with a power curve must not be archived with zero energy")

	record, err := store.Resolve("9009", &hint)
	require.NoError(t, err)
	assert.InDelta(t, energyFromSamples(record.PowerSamples), record.EnergyKWh, 1e-9)
}

func TestSourceReportedEnergySurvivesClosure(t *testing.T) {
	sampler := NewSampler(newFakeReader(9.0), 5*time.Millisecond, time.Minute, time.Minute)
	monitor, source, store, _ := testMonitorWith(t, sampler)

	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	source.set(activeAt("9010", start), nil) // reports 0.5 kWh
	monitor.Poll(context.Background())

	time.Sleep(50 * time.Millisecond)
	source.set(nil, nil)
	monitor.Poll(context.Background())

	hint := dal.DateOf(start)
	require.Eventually(t, func() bool {
		record, err := store.Resolve("9010", &hint)
		return err == nil && record.EndTime != nil && len(record.PowerSamples) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	record, err := store.Resolve("9010", &hint)
	require.NoError(t, err)
	assert.Equal(t, 0.5, record.EnergyKWh, "integration must not replace the source's reported total")
}

func TestEnergyFromSamples(t *testing.T) {
	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	samples := []models.PowerSample{
		{Timestamp: base, PowerKW: 8.0},
		{Timestamp: base.Add(time.Hour), PowerKW: 8.0},
	}
	assert.InDelta(t, 8.0, energyFromSamples(samples), 1e-9)

	assert.Zero(t, energyFromSamples(nil))
	assert.Zero(t, energyFromSamples(samples[:1]))
}

type blockingSource struct {
	release chan struct{}
	entered atomic.Bool
	calls   atomic.Int64
}

func (b *blockingSource) GetActiveSession(ctx context.Context) (*models.ActiveSession, error) {
	b.calls.Add(1)
	b.entered.Store(true)
	<-b.release
	return nil, nil
}
