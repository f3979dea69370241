package chargepoint

import "encoding/json"

// Request/response shapes for the undocumented driver API at
// mc.chargepoint.com/map-prod/v2. Everything goes through POSTed JSON
// envelopes whose top-level key selects the operation.

type loginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	GrantType string `json:"grant_type"`
}

type loginResponse struct {
	AuthToken   string `json:"auth_token"`
	AccessToken string `json:"access_token"`
}

// userStatusRequest asks for the account's current charging state.
type userStatusRequest struct {
	UserStatus struct {
		MFHS map[string]any `json:"mfhs"`
	} `json:"user_status"`
}

type userStatusResponse struct {
	UserStatus struct {
		Session *sessionStatus `json:"session"`
	} `json:"user_status"`
	ActiveSession *sessionStatus `json:"active_session"`
}

type sessionStatus struct {
	SessionID json.Number `json:"session_id"`
	StartTime int64       `json:"start_time"` // epoch millis
	PowerKW   float64     `json:"power_kw"`
	EnergyKWh float64     `json:"energy_kwh"`
	State     string      `json:"current_charging"`
}

// chargingStatusRequest fetches one session's detailed activity, including
// the power sample series.
type chargingStatusRequest struct {
	ChargingStatus struct {
		MFHS      map[string]any `json:"mfhs"`
		SessionID int64          `json:"session_id"`
	} `json:"charging_status"`
}

type chargingStatusResponse struct {
	ChargingStatus struct {
		SessionID  json.Number  `json:"session_id"`
		StartTime  int64        `json:"start_time"`
		EndTime    int64        `json:"end_time"`
		EnergyKWh  float64      `json:"energy_kwh"`
		PowerKW    float64      `json:"power_kw"`
		UpdateData []updateData `json:"update_data"`
	} `json:"charging_status"`
}

type updateData struct {
	Timestamp int64   `json:"timestamp"` // epoch millis
	PowerKW   float64 `json:"power_kw"`
	EnergyKWh float64 `json:"energy_kwh"`
}

// monthlyActivityRequest pages through historical sessions. Page size is
// fixed; more than one page is an explicitly unsupported case since the
// real pagination limit is unverified.
type monthlyActivityRequest struct {
	ChargingActivityMonthly struct {
		PageSize                   int    `json:"page_size"`
		ShowAddressForHomeSessions bool   `json:"show_address_for_home_sessions"`
		PageOffset                 string `json:"page_offset,omitempty"`
	} `json:"charging_activity_monthly"`
}

type monthlyActivityResponse struct {
	ChargingActivityMonthly struct {
		MonthInfo []struct {
			Sessions []historySession `json:"sessions"`
		} `json:"month_info"`
		PageOffset string `json:"page_offset"`
	} `json:"charging_activity_monthly"`
}

type historySession struct {
	SessionID json.Number `json:"session_id"`
	StartTime int64       `json:"start_time"`
	EndTime   int64       `json:"end_time"`
	EnergyKWh float64     `json:"energy_kwh"`
	DeviceID  json.Number `json:"device_id"`
}
