package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "user@example.com", "secret", "key123", testLogger()), srv
}

func TestLoginSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		require.Equal(t, "key123", r.Header.Get("apiKey"))

		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user@example.com", req.Email)
		assert.Equal(t, "secret", req.Password)

		_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok", RefreshToken: "ref"})
	}))

	require.NoError(t, client.Login(context.Background()))
	assert.Equal(t, "tok", client.token)
	assert.Equal(t, "ref", client.refreshToken)
}

func TestLoginRejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := client.Login(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestLoginEmptyToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(loginResponse{})
	}))

	require.Error(t, client.Login(context.Background()))
}

func TestGetChargePoints(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chargepoints/owned", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id": "CP1", "name": "Garage", "type": "HALO", "firmwareVersion": "5.0",
			 "connectors": [{"connectorId": 1, "type": "Type2"}, {"chargePointId": "CP1", "connectorId": 2, "type": "Schuko"}]}
		]`))
	}))

	cps, err := client.GetChargePoints(context.Background())
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "Garage", cps[0].Name)
	require.Len(t, cps[0].Connectors, 2)
	// A missing chargePointId on the connector inherits the parent id.
	assert.Equal(t, "CP1", cps[0].Connectors[0].ChargePointID)
	assert.Equal(t, 2, cps[0].Connectors[1].ConnectorID)
}

func TestGetChargePointStatusNormalization(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chargepoints/CP1/status", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "CP1",
			"connectorStatuses": [
				{"connectorId": 1, "status": "Charging", "totalConsumptionKwh": 12.3,
				 "measurements": [{"phase": "L1", "current": 16, "voltage": 230}]},
				{"connectorId": 2, "totalConsumptionKwh": 4.2}
			]
		}`))
	}))

	statuses, err := client.GetChargePointStatus(context.Background(), "CP1")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, chargepoint.StatusCharging, statuses[0].Status)
	assert.InDelta(t, 12.3, statuses[0].TotalConsumptionKwh, 0.001)
	assert.Equal(t, "CP1", statuses[0].ChargePointID)
	require.Len(t, statuses[0].Measurements, 1)
	assert.InDelta(t, 16*230, statuses[0].Power(), 0.01)

	// Missing status field defaults to unknown rather than failing.
	assert.Equal(t, chargepoint.StatusUnknown, statuses[1].Status)
	assert.InDelta(t, 4.2, statuses[1].TotalConsumptionKwh, 0.001)
}

func TestStatusMissingNumericsDefaultToZero(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": "CP1",
			"connectorStatuses": [
				{"connectorId": 1, "status": "Available",
				 "measurements": [{"phase": "L1"}]}
			]
		}`))
	}))

	// Omitted numeric fields read as zero in the fresh record; carrying over
	// previous values is the poller's job for settings only, not measurements.
	statuses, err := client.GetChargePointStatus(context.Background(), "CP1")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Zero(t, statuses[0].TotalConsumptionKwh)
	require.Len(t, statuses[0].Measurements, 1)
	assert.Zero(t, statuses[0].Measurements[0].Current)
	assert.Zero(t, statuses[0].Measurements[0].Voltage)
	assert.Zero(t, statuses[0].Power())
}

func TestUnauthorizedTriggersSingleReauth(t *testing.T) {
	var statusCalls, loginCalls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			loginCalls++
			_ = json.NewEncoder(w).Encode(loginResponse{Token: "fresh"})
		case "/chargepoints/CP1/status":
			statusCalls++
			if statusCalls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id": "CP1", "connectorStatuses": []}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	_, err := client.GetChargePointStatus(context.Background(), "CP1")
	require.NoError(t, err)
	assert.Equal(t, 2, statusCalls)
	assert.Equal(t, 1, loginCalls)
}

func TestUnauthorizedTwiceFails(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/login" {
			_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.GetChargePointStatus(context.Background(), "CP1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestRefreshFallsBackToLogin(t *testing.T) {
	var loginCalls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refreshToken":
			w.WriteHeader(http.StatusForbidden)
		case "/auth/login":
			loginCalls++
			_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok2", RefreshToken: "ref2"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	client.token = "stale"
	client.refreshToken = "staleref"

	require.NoError(t, client.refresh(context.Background()))
	assert.Equal(t, 1, loginCalls)
	assert.Equal(t, "tok2", client.token)
}

func TestSetConnectorSettings(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/chargepoints/CP1/connectors/1/settings", r.URL.Path)

		var s ConnectorSettings
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		assert.Equal(t, chargepoint.ModeOff, s.Mode)
		assert.InDelta(t, 16.0, s.MaxCurrent, 0.001)
		w.WriteHeader(http.StatusOK)
	}))

	err := client.SetConnectorSettings(context.Background(), &ConnectorSettings{
		ChargePointID: "CP1",
		ConnectorID:   1,
		Mode:          chargepoint.ModeOff,
		MaxCurrent:    16,
	})
	require.NoError(t, err)
}

func TestGetConnectorSettingsFillsIdentifiers(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"mode": "On", "maxCurrent": 20}`))
	}))

	s, err := client.GetConnectorSettings(context.Background(), "CP1", 2)
	require.NoError(t, err)
	assert.Equal(t, "CP1", s.ChargePointID)
	assert.Equal(t, 2, s.ConnectorID)
	assert.Equal(t, chargepoint.ModeOn, s.Mode)
	assert.InDelta(t, 20.0, s.MaxCurrent, 0.001)
}

func TestSetLights(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/chargepoints/CP1/settings", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "low", body["dimmer"])
		_, hasDownlight := body["downLight"]
		assert.False(t, hasDownlight)
		w.WriteHeader(http.StatusOK)
	}))

	err := client.SetLights(context.Background(), &LightSettings{
		ChargePointID: "CP1",
		Dimmer:        "low",
	})
	require.NoError(t, err)
}
