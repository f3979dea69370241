package models

import "time"

type AdminUser struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PowerSample is a single instantaneous power reading during a session.
type PowerSample struct {
	Timestamp time.Time `json:"t"`
	PowerKW   float64   `json:"kw"`
}

// FeatureVector holds the statistics derived from a session's power curve.
// A nil *FeatureVector is the "no features" sentinel for empty sample sets.
type FeatureVector struct {
	Mean float64 `json:"mean"`
	P25  float64 `json:"p25"`
	P75  float64 `json:"p75"`
	CV   float64 `json:"cv"`
	IQR  float64 `json:"iqr"`
}

// SessionRecord is the persisted unit of history. One file per session under
// sessions/YYYY/MM/DD/{session_id}.json, partitioned by start date.
type SessionRecord struct {
	SessionID    string         `json:"session_id"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time"`
	EnergyKWh    float64        `json:"energy_kwh"`
	PowerSamples []PowerSample  `json:"power_samples"`
	VehicleID    *string        `json:"vehicle_id"`
	Confidence   float64        `json:"confidence"`
	Features     *FeatureVector `json:"features,omitempty"`
}

// IsActive reports whether the session has not been closed yet.
func (r *SessionRecord) IsActive() bool {
	return r.EndTime == nil
}

// Centroid is a vehicle's reference feature point for nearest-centroid matching.
type Centroid struct {
	MeanKW float64 `json:"mean_kw"`
	CV     float64 `json:"cv"`
	IQR    float64 `json:"iqr"`
}

// VehicleProfile describes one known vehicle. Centroids are only mutated by
// the explicit retrain operation, never by the live pipeline.
type VehicleProfile struct {
	VehicleID   string    `json:"vehicle_id"`
	DisplayName string    `json:"display_name"`
	Nickname    string    `json:"nickname,omitempty"`
	Color       string    `json:"color,omitempty"`
	Centroid    Centroid  `json:"centroid"`
	SampleCount int       `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ActiveSession is what the status source reports for a charging session in
// progress. A nil ActiveSession with a nil error means "confirmed no session".
type ActiveSession struct {
	SessionID string    `json:"session_id"`
	StartTime time.Time `json:"start_time"`
	PowerKW   float64   `json:"power_kw"`
	EnergyKWh float64   `json:"energy_kwh"`
}

// LiveStatus is the monitor's current view, served on /api/status and pushed
// over the websocket.
type LiveStatus struct {
	State            string     `json:"state"`
	SessionID        string     `json:"session_id,omitempty"`
	SessionStart     *time.Time `json:"session_start,omitempty"`
	PowerKW          float64    `json:"power_kw"`
	EnergyKWh        float64    `json:"energy_kwh"`
	VehicleID        string     `json:"vehicle_id,omitempty"`
	Confidence       float64    `json:"confidence,omitempty"`
	SamplingActive   bool       `json:"sampling_active"`
	SourceReachable  bool       `json:"source_reachable"`
	LastPollTime     time.Time  `json:"last_poll_time"`
	ConsecutiveFails int        `json:"consecutive_fails"`
}

// SessionSummary is the compact listing entry returned by the history API.
type SessionSummary struct {
	SessionID  string     `json:"session_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
	EnergyKWh  float64    `json:"energy_kwh"`
	VehicleID  *string    `json:"vehicle_id"`
	Confidence float64    `json:"confidence"`
}

type AdminLog struct {
	ID        int       `json:"id"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}
