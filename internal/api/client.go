package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/kirei/chargeamps-hass/internal/netutil"
	"github.com/sirupsen/logrus"
)

// DefaultBaseURL is the production Charge Amps external API endpoint.
const DefaultBaseURL = "https://eapi.charge.space/api/v4"

const userAgent = "chargeamps-hass/1.0"

// Client talks to the Charge Amps external (cloud) API. It owns the session
// token and transparently re-authenticates once when a request comes back 401.
type Client struct {
	baseURL    string
	email      string
	password   string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger

	mu           sync.Mutex
	token        string
	refreshToken string
}

// NewClient creates an unauthenticated client. Call Login before issuing any
// other request.
func NewClient(baseURL, email, password, apiKey string, logger *logrus.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		email:      email,
		password:   password,
		apiKey:     apiKey,
		httpClient: netutil.NewHTTPClient(30*time.Second, logger),
		logger:     logger,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type refreshRequest struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// Login authenticates with email and password and stores the session token.
// An authentication failure here is fatal to setup; callers should not retry.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{Email: c.email, Password: c.password})
	if err != nil {
		return fmt.Errorf("failed to marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	c.setHeaders(req, false)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authentication failed: API returned status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("authentication failed: empty token in response")
	}

	c.mu.Lock()
	c.token = lr.Token
	c.refreshToken = lr.RefreshToken
	c.mu.Unlock()

	c.logger.Debug("Authenticated with Charge Amps API")
	return nil
}

// refresh exchanges the refresh token for a new session token, falling back to
// a full login when that fails.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	rr := refreshRequest{Token: c.token, RefreshToken: c.refreshToken}
	c.mu.Unlock()

	if rr.RefreshToken == "" {
		return c.Login(ctx)
	}

	body, err := json.Marshal(rr)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refreshToken", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	c.setHeaders(req, false)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.WithField("status", resp.StatusCode).Debug("Token refresh rejected, falling back to login")
		return c.Login(ctx)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}

	c.mu.Lock()
	c.token = lr.Token
	if lr.RefreshToken != "" {
		c.refreshToken = lr.RefreshToken
	}
	c.mu.Unlock()

	c.logger.Debug("Session token refreshed")
	return nil
}

func (c *Client) setHeaders(req *http.Request, authed bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("apiKey", c.apiKey)
	if authed {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// doJSON performs an authenticated request and decodes the response into out
// (which may be nil for command-style endpoints). A 401 triggers exactly one
// re-authentication and retry; other failures are returned as-is.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	retried := false
	for {
		var body io.Reader
		if payload != nil {
			buf, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal request body: %w", err)
			}
			body = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req, true)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request to %s failed: %w", path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !retried {
			resp.Body.Close()
			retried = true
			if err := c.refresh(ctx); err != nil {
				return fmt.Errorf("re-authentication failed: %w", err)
			}
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("API returned status %d for %s %s", resp.StatusCode, method, path)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response from %s: %w", path, err)
			}
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
		}
		return nil
	}
}

// GetChargePoints lists the charge points owned by the account.
func (c *Client) GetChargePoints(ctx context.Context) ([]chargepoint.ChargePoint, error) {
	var raw []rawChargePoint
	if err := c.doJSON(ctx, http.MethodGet, "/chargepoints/owned", nil, &raw); err != nil {
		return nil, err
	}
	cps := make([]chargepoint.ChargePoint, 0, len(raw))
	for _, r := range raw {
		cps = append(cps, r.normalize())
	}
	return cps, nil
}

// GetChargePointStatus fetches the current status of every connector on the
// given charge point.
func (c *Client) GetChargePointStatus(ctx context.Context, chargePointID string) ([]chargepoint.ConnectorStatus, error) {
	var raw rawChargePointStatus
	path := fmt.Sprintf("/chargepoints/%s/status", chargePointID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw.normalize(chargePointID), nil
}

// ConnectorSettings mirrors the vendor connector settings object. Mode and
// MaxCurrent are the only fields this bridge writes.
type ConnectorSettings struct {
	ChargePointID string  `json:"chargePointId"`
	ConnectorID   int     `json:"connectorId"`
	Mode          string  `json:"mode"`
	MaxCurrent    float64 `json:"maxCurrent"`
}

// GetConnectorSettings reads the current settings for a connector.
func (c *Client) GetConnectorSettings(ctx context.Context, chargePointID string, connectorID int) (*ConnectorSettings, error) {
	var s ConnectorSettings
	path := fmt.Sprintf("/chargepoints/%s/connectors/%d/settings", chargePointID, connectorID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &s); err != nil {
		return nil, err
	}
	// Some firmware revisions omit the identifiers in the settings body.
	s.ChargePointID = chargePointID
	s.ConnectorID = connectorID
	return &s, nil
}

// SetConnectorSettings writes connector settings back to the vendor. The
// change is not guaranteed to be visible until the next status poll.
func (c *Client) SetConnectorSettings(ctx context.Context, settings *ConnectorSettings) error {
	path := fmt.Sprintf("/chargepoints/%s/connectors/%d/settings", settings.ChargePointID, settings.ConnectorID)
	if err := c.doJSON(ctx, http.MethodPut, path, settings, nil); err != nil {
		return fmt.Errorf("failed to update connector settings: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"charge_point": settings.ChargePointID,
		"connector":    settings.ConnectorID,
		"mode":         settings.Mode,
		"max_current":  settings.MaxCurrent,
	}).Info("Updated connector settings")
	return nil
}

// LightSettings controls the lights on a charge point. Dimmer accepts
// off/low/medium/high, DownLight is a plain on/off.
type LightSettings struct {
	ChargePointID string `json:"id"`
	DownLight     *bool  `json:"downLight,omitempty"`
	Dimmer        string `json:"dimmer,omitempty"`
}

// SetLights updates the light settings of a charge point.
func (c *Client) SetLights(ctx context.Context, settings *LightSettings) error {
	path := fmt.Sprintf("/chargepoints/%s/settings", settings.ChargePointID)
	if err := c.doJSON(ctx, http.MethodPut, path, settings, nil); err != nil {
		return fmt.Errorf("failed to update light settings: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"charge_point": settings.ChargePointID,
		"dimmer":       settings.Dimmer,
		"downlight":    settings.DownLight,
	}).Info("Updated charge point lights")
	return nil
}
