package chargepoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kpeters/chargetrack/backend/crypto"
	"github.com/kpeters/chargetrack/backend/models"
)

const (
	loginURL   = "https://account.chargepoint.com/account/v1/driver/auth/login"
	mapProdURL = "https://mc.chargepoint.com/map-prod/v2"

	// One page of monthly history. The API's real pagination limit is
	// unverified; more sessions than one page is treated as unsupported.
	historyPageSize = 50
)

// Client talks to the ChargePoint driver API for one home station. It
// authenticates lazily, caches the session token encrypted on disk, and
// rate-limits every call.
type Client struct {
	httpClient *http.Client
	limiter    *RateLimiter

	username  string
	password  string
	stationID string

	tokenPath string
	encKey    []byte

	mu        sync.RWMutex
	authToken string
}

func NewClient(username, password, stationID, dataDir string) *Client {
	key, err := crypto.GetEncryptionKey()
	if err != nil {
		log.Printf("WARNING: Could not load encryption key, token cache disabled: %v", err)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    NewRateLimiter(6, time.Minute),
		username:   username,
		password:   password,
		stationID:  stationID,
		tokenPath:  filepath.Join(dataDir, "cache", "cp_session_token"),
		encKey:     key,
	}
	c.loadCachedToken()
	return c
}

func (c *Client) loadCachedToken() {
	if c.encKey == nil {
		return
	}
	data, err := os.ReadFile(c.tokenPath)
	if err != nil {
		return
	}
	token, err := crypto.Decrypt(string(data), c.encKey)
	if err != nil {
		log.Printf("WARNING: Could not decrypt cached session token, will re-login: %v", err)
		return
	}
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
	log.Println("ChargePoint: Loaded cached session token")
}

func (c *Client) saveToken(token string) {
	if c.encKey == nil || token == "" {
		return
	}
	encrypted, err := crypto.Encrypt(token, c.encKey)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.tokenPath), 0755); err != nil {
		return
	}
	if err := os.WriteFile(c.tokenPath, []byte(encrypted), 0600); err != nil {
		log.Printf("WARNING: Could not cache session token: %v", err)
	}
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.authToken
	c.mu.RUnlock()
	if token != "" {
		return token, nil
	}
	return c.authenticate(ctx)
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(loginRequest{
		Username:  c.username,
		Password:  c.password,
		GrantType: "password",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", loginURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.limiter.Acquire()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var loginResp loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", fmt.Errorf("failed to decode login response: %v", err)
	}

	token := loginResp.AuthToken
	if token == "" {
		token = loginResp.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("no auth token in login response")
	}

	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
	c.saveToken(token)

	log.Printf("ChargePoint: Authenticated as %s", c.username)
	return token, nil
}

// post sends a map-prod envelope. On a 401 the cached token is dropped and
// the call retried once with a fresh login.
func (c *Client) post(ctx context.Context, payload, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", mapProdURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Origin", "https://driver.chargepoint.com")
		req.Header.Set("Referer", "https://driver.chargepoint.com/")

		c.limiter.Acquire()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("api request failed: %v", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.mu.Lock()
			c.authToken = ""
			c.mu.Unlock()
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("api returned status %d: %s", resp.StatusCode, string(respBody))
		}

		return json.NewDecoder(resp.Body).Decode(out)
	}
	return fmt.Errorf("api request failed after token refresh")
}

// GetActiveSession polls the account's charging status.
//
// The three outcomes matter to the state machine and must stay distinct:
// (session, nil) when charging, (nil, nil) when confirmed idle, and
// (nil, err) when the source is unreachable - the caller treats the last as
// a no-op poll, never as "no session".
func (c *Client) GetActiveSession(ctx context.Context) (*models.ActiveSession, error) {
	var req userStatusRequest
	req.UserStatus.MFHS = map[string]any{}

	var resp userStatusResponse
	if err := c.post(ctx, req, &resp); err != nil {
		return nil, err
	}

	status := resp.UserStatus.Session
	if status == nil {
		status = resp.ActiveSession
	}
	if status == nil || status.SessionID.String() == "" || status.SessionID.String() == "0" {
		return nil, nil
	}

	return &models.ActiveSession{
		SessionID: status.SessionID.String(),
		StartTime: time.UnixMilli(status.StartTime).UTC(),
		PowerKW:   status.PowerKW,
		EnergyKWh: status.EnergyKWh,
	}, nil
}

// ReadPower returns the instantaneous power draw of the active session.
// Implements the sampler's PowerReader.
func (c *Client) ReadPower(ctx context.Context) (float64, error) {
	session, err := c.GetActiveSession(ctx)
	if err != nil {
		return 0, err
	}
	if session == nil {
		return 0, fmt.Errorf("no active session")
	}
	return session.PowerKW, nil
}

// GetSessionActivity fetches one session's detail record including its
// power sample series.
func (c *Client) GetSessionActivity(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	id, err := strconv.ParseInt(sessionID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %v", sessionID, err)
	}

	var req chargingStatusRequest
	req.ChargingStatus.MFHS = map[string]any{}
	req.ChargingStatus.SessionID = id

	var resp chargingStatusResponse
	if err := c.post(ctx, req, &resp); err != nil {
		return nil, err
	}

	cs := resp.ChargingStatus
	record := &models.SessionRecord{
		SessionID: sessionID,
		StartTime: time.UnixMilli(cs.StartTime).UTC(),
		EnergyKWh: cs.EnergyKWh,
	}
	if cs.EndTime > 0 {
		end := time.UnixMilli(cs.EndTime).UTC()
		record.EndTime = &end
	}
	for _, u := range cs.UpdateData {
		record.PowerSamples = append(record.PowerSamples, models.PowerSample{
			Timestamp: time.UnixMilli(u.Timestamp).UTC(),
			PowerKW:   u.PowerKW,
		})
	}

	return record, nil
}

// GetMonthHistory fetches the account's session history for one month.
// Only a single page is fetched: if the API reports a further page, the
// extra sessions are dropped with a warning rather than risking an
// unbounded scroll (and an API ban).
func (c *Client) GetMonthHistory(ctx context.Context, year, month int) ([]models.SessionSummary, error) {
	var req monthlyActivityRequest
	req.ChargingActivityMonthly.PageSize = historyPageSize
	req.ChargingActivityMonthly.ShowAddressForHomeSessions = true
	req.ChargingActivityMonthly.PageOffset = fmt.Sprintf("p_%04d_%02d", year, month)

	var resp monthlyActivityResponse
	if err := c.post(ctx, req, &resp); err != nil {
		return nil, err
	}

	if offset := resp.ChargingActivityMonthly.PageOffset; offset != "" && offset != "last_page" {
		log.Printf("WARNING: ChargePoint history for %04d-%02d spans multiple pages; only the first %d sessions were fetched",
			year, month, historyPageSize)
	}

	var summaries []models.SessionSummary
	for _, info := range resp.ChargingActivityMonthly.MonthInfo {
		for _, s := range info.Sessions {
			// The account history covers every station the driver used;
			// only the home station belongs in the archive.
			if !matchesStation(c.stationID, s) {
				continue
			}
			start := time.UnixMilli(s.StartTime).UTC()
			if start.Year() != year || int(start.Month()) != month {
				continue
			}
			summary := models.SessionSummary{
				SessionID: s.SessionID.String(),
				StartTime: start,
				EnergyKWh: s.EnergyKWh,
			}
			if s.EndTime > 0 {
				end := time.UnixMilli(s.EndTime).UTC()
				summary.EndTime = &end
			}
			summaries = append(summaries, summary)
		}
	}

	return summaries, nil
}

// matchesStation reports whether a history entry belongs to the configured
// station. An empty station ID accepts everything (single-station accounts).
func matchesStation(stationID string, s historySession) bool {
	if stationID == "" {
		return true
	}
	return s.DeviceID.String() == stationID
}
