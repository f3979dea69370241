package services

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kpeters/chargetrack/backend/classifier"
	"github.com/kpeters/chargetrack/backend/dal"
	"github.com/kpeters/chargetrack/backend/models"
)

// StatusSource is the polled external charging-status contract. The three
// outcomes are distinct on purpose: (session, nil) charging, (nil, nil)
// confirmed idle, (nil, err) unreachable. Conflating the last two would turn
// every source outage into a phantom session closure.
type StatusSource interface {
	GetActiveSession(ctx context.Context) (*models.ActiveSession, error)
}

// Monitor is the session lifecycle state machine. Each Poll is one cycle:
// detect start/end transitions against the status source, kick off sampling
// and classification on a new session, finalize the record on closure.
//
// The monitor keeps almost no state between polls - just the currently
// active session, which is also persisted to the monitor_state table so a
// restart picks an in-progress charge back up instead of re-triggering a
// start transition.
type Monitor struct {
	db       *sql.DB
	source   StatusSource
	store    *dal.Store
	registry *classifier.Registry
	sampler  *Sampler

	publisher *Publisher // optional
	onStatus  func(models.LiveStatus)

	pollInterval time.Duration

	mu              sync.RWMutex
	current         *models.SessionRecord
	livePowerKW     float64
	samplingActive  bool
	sampleCancel    context.CancelFunc
	sourceReachable bool
	lastPollTime    time.Time
	failCount       int

	pollInFlight atomic.Bool
	stopChan     chan struct{}
}

func NewMonitor(db *sql.DB, source StatusSource, store *dal.Store,
	registry *classifier.Registry, sampler *Sampler, pollInterval time.Duration) *Monitor {
	return &Monitor{
		db:           db,
		source:       source,
		store:        store,
		registry:     registry,
		sampler:      sampler,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
	}
}

// SetStore wires the write path. The monitor doubles as the store's live
// resolver tier, so the two are constructed before being joined.
func (m *Monitor) SetStore(store *dal.Store) {
	m.store = store
}

// SetPublisher wires the optional MQTT event publisher.
func (m *Monitor) SetPublisher(p *Publisher) {
	m.publisher = p
}

// SetStatusListener registers a callback invoked after every poll with the
// fresh live status (websocket push).
func (m *Monitor) SetStatusListener(fn func(models.LiveStatus)) {
	m.onStatus = fn
}

// Start restores state and runs the poll loop until Stop.
func (m *Monitor) Start() {
	log.Println("Starting Session Monitor...")
	log.Printf("  - Polling status source every %v", m.pollInterval)
	log.Printf("  - Sampling %v window at %v intervals on session start", m.sampler.window, m.sampler.interval)

	m.restoreState()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Poll(context.Background())
		case <-m.stopChan:
			log.Println("Session Monitor stopped")
			return
		}
	}
}

func (m *Monitor) Stop() {
	log.Println("Stopping Session Monitor...")
	close(m.stopChan)
}

// restoreState recovers the last known active session after a restart:
// first from the monitor_state table, then by scanning the newest
// historical partitions for a record with no end time.
func (m *Monitor) restoreState() {
	var sessionID sql.NullString
	var startTime sql.NullTime
	err := m.db.QueryRow(`
		SELECT active_session_id, active_session_start FROM monitor_state WHERE id = 1
	`).Scan(&sessionID, &startTime)

	if err == nil && sessionID.Valid && sessionID.String != "" {
		record, resolveErr := m.store.Resolve(sessionID.String, nil)
		if resolveErr != nil {
			record = &models.SessionRecord{SessionID: sessionID.String}
			if startTime.Valid {
				record.StartTime = startTime.Time.UTC()
			}
		}
		if record.IsActive() {
			m.mu.Lock()
			m.current = record
			m.mu.Unlock()
			log.Printf("Monitor: Restored active session %s from saved state (started %s)",
				record.SessionID, record.StartTime.Format(time.RFC3339))
			return
		}
		// The saved session was finalized while we were down.
		m.clearSavedState()
	}

	if err != nil && err != sql.ErrNoRows {
		log.Printf("WARNING: Could not read monitor state: %v", err)
	}

	// Fallback: most recent persisted record that never got an end time.
	record, err := m.store.Historical().MostRecentActive()
	if err == nil {
		m.mu.Lock()
		m.current = record
		m.mu.Unlock()
		m.saveState(record)
		log.Printf("Monitor: Restored active session %s from historical store", record.SessionID)
	}
}

func (m *Monitor) saveState(record *models.SessionRecord) {
	_, err := m.db.Exec(`
		INSERT INTO monitor_state (id, active_session_id, active_session_start, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			active_session_id = excluded.active_session_id,
			active_session_start = excluded.active_session_start,
			updated_at = CURRENT_TIMESTAMP
	`, record.SessionID, record.StartTime.UTC())
	if err != nil {
		log.Printf("WARNING: Failed to save monitor state: %v", err)
	}
}

func (m *Monitor) clearSavedState() {
	_, err := m.db.Exec(`
		INSERT INTO monitor_state (id, active_session_id, active_session_start, updated_at)
		VALUES (1, NULL, NULL, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			active_session_id = NULL,
			active_session_start = NULL,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		log.Printf("WARNING: Failed to clear monitor state: %v", err)
	}
}

// Poll runs one cycle of the state machine. Safe to call while a previous
// cycle is still running: the overlapping call is a no-op, matching an
// external scheduler that fires faster than polls complete.
func (m *Monitor) Poll(ctx context.Context) {
	if !m.pollInFlight.CompareAndSwap(false, true) {
		log.Println("Monitor: Previous poll still running, skipping cycle")
		return
	}
	defer m.pollInFlight.Store(false)
	defer m.notifyStatus()

	active, err := m.source.GetActiveSession(ctx)
	if err != nil {
		// Source unreachable is not "no session": no transition happens
		// on an outage, the poll is a no-op and we retry next cycle.
		m.mu.Lock()
		m.sourceReachable = false
		m.failCount++
		fails := m.failCount
		m.mu.Unlock()
		log.Printf("WARNING: Status source unreachable (%d consecutive): %v", fails, err)
		return
	}

	m.mu.Lock()
	m.sourceReachable = true
	m.failCount = 0
	m.lastPollTime = time.Now().UTC()
	current := m.current
	m.mu.Unlock()

	switch {
	case active != nil && current == nil:
		m.startSession(active)

	case active != nil && current != nil && active.SessionID == current.SessionID:
		// Still charging, refresh the live view.
		m.mu.Lock()
		m.livePowerKW = active.PowerKW
		if active.EnergyKWh > 0 {
			m.current.EnergyKWh = active.EnergyKWh
		}
		m.mu.Unlock()
		log.Printf("Monitor: [%s] CHARGING: Power=%.2f kW, Energy=%.3f kWh",
			active.SessionID, active.PowerKW, active.EnergyKWh)

	case active != nil && current != nil:
		// A different session appeared without us seeing the old one end.
		log.Printf("Monitor: Session changed %s -> %s, closing previous", current.SessionID, active.SessionID)
		m.closeSession(current)
		m.startSession(active)

	case active == nil && current != nil:
		m.closeSession(current)
	}
}

// startSession handles the Idle -> Active transition: create the record,
// persist it, and fire off sampling + classification without blocking the
// poll loop.
func (m *Monitor) startSession(active *models.ActiveSession) {
	record := &models.SessionRecord{
		SessionID: active.SessionID,
		StartTime: active.StartTime.UTC(),
		EnergyKWh: active.EnergyKWh,
	}
	if record.StartTime.IsZero() {
		record.StartTime = time.Now().UTC()
	}

	log.Printf("Monitor: [%s] SESSION STARTED at %s", record.SessionID, record.StartTime.Format(time.RFC3339))

	if err := m.store.Persist(record); err != nil {
		log.Printf("ERROR: Failed to persist new session %s: %v", record.SessionID, err)
	}
	m.saveState(record)
	m.logToDatabase("Session Started", "Session "+record.SessionID)

	sampleCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.current = record
	m.livePowerKW = active.PowerKW
	m.samplingActive = true
	m.sampleCancel = cancel
	m.mu.Unlock()

	if m.publisher != nil {
		m.publisher.PublishSessionStart(record)
	}

	go m.sampleAndClassify(sampleCtx, record.SessionID, record.StartTime)
}

// sampleAndClassify runs in the background for the duration of the sampling
// window. It may finish after the session has already closed; its results
// arrive via the store's idempotent merge either way.
func (m *Monitor) sampleAndClassify(ctx context.Context, sessionID string, startTime time.Time) {
	samples := m.sampler.Capture(ctx, sessionID)

	m.mu.Lock()
	m.samplingActive = false
	if m.current != nil && m.current.SessionID == sessionID {
		m.current.PowerSamples = samples
	}
	m.mu.Unlock()

	features := classifier.ExtractFeatures(samples)

	update := &models.SessionRecord{
		SessionID:    sessionID,
		StartTime:    startTime,
		PowerSamples: samples,
		Features:     features,
	}

	if features == nil {
		// No samples captured: the session is still persisted, just
		// without a classification.
		log.Printf("Monitor: [%s] No power samples captured, session left unclassified", sessionID)
	} else {
		profiles, err := m.registry.Profiles()
		if err != nil {
			log.Printf("ERROR: Could not load vehicle profiles: %v", err)
		}

		result := classifier.Classify(features, profiles)
		if result.Unclassified() {
			log.Printf("Monitor: [%s] UNCLASSIFIED (mean=%.2f kW, cv=%.3f)", sessionID, features.Mean, features.CV)
		} else {
			update.VehicleID = &result.VehicleID
			update.Confidence = result.Confidence
			log.Printf("Monitor: [%s] CLASSIFIED as %s (confidence=%.3f)",
				sessionID, result.VehicleID, result.Confidence)

			m.mu.Lock()
			if m.current != nil && m.current.SessionID == sessionID {
				m.current.VehicleID = update.VehicleID
				m.current.Confidence = result.Confidence
				m.current.Features = features
			}
			m.mu.Unlock()
		}
	}

	if err := m.store.Persist(update); err != nil {
		log.Printf("ERROR: Failed to persist classification for %s: %v", sessionID, err)
		return
	}

	// When the session closed inside the sampling window, the closure wrote
	// its record before these samples existed. Now that they are merged in,
	// fill in the integrated energy if the source never reported a total.
	m.backfillEnergy(sessionID, startTime)

	if m.publisher != nil && update.VehicleID != nil {
		m.publisher.PublishClassification(update)
	}
}

// closeSession handles Active -> Closed: stop sampling, stamp the end time,
// and finalize with whatever data exists. Classification still running is
// left to complete asynchronously - it merges into the stored record when
// it finishes.
func (m *Monitor) closeSession(record *models.SessionRecord) {
	m.mu.Lock()
	if m.sampleCancel != nil {
		m.sampleCancel()
		m.sampleCancel = nil
	}
	end := time.Now().UTC()
	record.EndTime = &end
	if record.EnergyKWh == 0 && len(record.PowerSamples) > 1 {
		record.EnergyKWh = energyFromSamples(record.PowerSamples)
	}
	final := *record
	m.current = nil
	m.livePowerKW = 0
	m.mu.Unlock()

	log.Printf("Monitor: [%s] SESSION ENDED: Duration=%v, Energy=%.3f kWh",
		final.SessionID, end.Sub(final.StartTime).Round(time.Second), final.EnergyKWh)

	if err := m.store.Persist(&final); err != nil {
		log.Printf("ERROR: Failed to finalize session %s: %v", final.SessionID, err)
	}
	m.clearSavedState()
	m.logToDatabase("Session Ended", "Session "+final.SessionID)

	if final.EnergyKWh == 0 {
		m.backfillEnergy(final.SessionID, final.StartTime)
	}

	if m.publisher != nil {
		m.publisher.PublishSessionEnd(&final)
	}
}

// backfillEnergy integrates the stored power curve into a closed record whose
// source never reported a total. Closure and classification race to finish a
// short session; both call this after their write, so whichever lands second
// sees the complete record and fills the gap.
func (m *Monitor) backfillEnergy(sessionID string, startTime time.Time) {
	hint := dal.DateOf(startTime)
	record, err := m.store.Resolve(sessionID, &hint)
	if err != nil || record.EnergyKWh != 0 || record.EndTime == nil || len(record.PowerSamples) < 2 {
		return
	}

	energy := energyFromSamples(record.PowerSamples)
	if energy <= 0 {
		return
	}

	update := &models.SessionRecord{
		SessionID: sessionID,
		StartTime: startTime,
		EnergyKWh: energy,
	}
	if err := m.store.Persist(update); err != nil {
		log.Printf("ERROR: Failed to persist integrated energy for %s: %v", sessionID, err)
		return
	}
	log.Printf("Monitor: [%s] Energy integrated from %d samples: %.3f kWh",
		sessionID, len(record.PowerSamples), energy)
}

// energyFromSamples integrates the power curve (trapezoidal) as a fallback
// when the source never reported session energy.
func energyFromSamples(samples []models.PowerSample) float64 {
	total := 0.0
	for i := 1; i < len(samples); i++ {
		dt := samples[i].Timestamp.Sub(samples[i-1].Timestamp).Hours()
		if dt <= 0 {
			continue
		}
		total += (samples[i].PowerKW + samples[i-1].PowerKW) / 2 * dt
	}
	return total
}

// CurrentSession implements dal.LiveSource: the live tier of the resolver
// chain answers only for the session charging right now.
func (m *Monitor) CurrentSession() *models.SessionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	copy := *m.current
	return &copy
}

// Status reports the monitor's current view for the API and websocket.
func (m *Monitor) Status() models.LiveStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := models.LiveStatus{
		State:            "idle",
		SamplingActive:   m.samplingActive,
		SourceReachable:  m.sourceReachable,
		LastPollTime:     m.lastPollTime,
		ConsecutiveFails: m.failCount,
		PowerKW:          m.livePowerKW,
	}

	if m.current != nil {
		status.State = "charging"
		status.SessionID = m.current.SessionID
		start := m.current.StartTime
		status.SessionStart = &start
		status.EnergyKWh = m.current.EnergyKWh
		if m.current.VehicleID != nil {
			status.VehicleID = *m.current.VehicleID
			status.Confidence = m.current.Confidence
		}
	}

	return status
}

func (m *Monitor) notifyStatus() {
	status := m.Status()
	if m.onStatus != nil {
		m.onStatus(status)
	}
	if m.publisher != nil {
		m.publisher.PublishLiveStatus(status)
	}
}

func (m *Monitor) logToDatabase(action, details string) {
	_, err := m.db.Exec(`
		INSERT INTO admin_logs (action, details) VALUES (?, ?)
	`, action, details)
	if err != nil {
		log.Printf("WARNING: Failed to write admin log: %v", err)
	}
}
