package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kirei/chargeamps-hass/internal/chargepoint"
	"github.com/kirei/chargeamps-hass/internal/commands"
	"github.com/kirei/chargeamps-hass/internal/state"
	"github.com/sirupsen/logrus"
)

// Server exposes the bridge state and commands over a local REST API. It is
// an alternative surface to the MQTT command topics, useful for automations
// that prefer plain HTTP.
type Server struct {
	store      *state.Store
	dispatcher *commands.Dispatcher
	logger     *logrus.Logger
	addr       string
}

// NewServer creates an API server bound to addr.
func NewServer(store *state.Store, dispatcher *commands.Dispatcher, addr string, logger *logrus.Logger) *Server {
	return &Server{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		addr:       addr,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type chargePointResponse struct {
	chargepoint.ChargePoint
	TotalEnergyKwh float64                       `json:"totalEnergyKwh"`
	Statuses       []chargepoint.ConnectorStatus `json:"statuses"`
}

type setMaxCurrentRequest struct {
	Current float64 `json:"current"`
}

type setLightRequest struct {
	Light string `json:"light"`
	State string `json:"state"`
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/chargepoints", func(r chi.Router) {
		r.Get("/", s.handleListChargePoints)
		r.Route("/{chargePointID}", func(r chi.Router) {
			r.Get("/", s.handleGetChargePoint)
			r.Put("/light", s.handleSetLight)
			r.Route("/connectors/{connectorID}", func(r chi.Router) {
				r.Get("/status", s.handleConnectorStatus)
				r.Post("/enable", s.handleEnable)
				r.Post("/disable", s.handleDisable)
				r.Put("/maxcurrent", s.handleSetMaxCurrent)
			})
		})
	})
	return r
}

// Run starts the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.addr).Info("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store.Snapshot() == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no poll data yet")
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "ok"})
}

func (s *Server) handleListChargePoints(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no poll data yet")
		return
	}

	resp := make([]chargePointResponse, 0, len(snap.ChargePoints))
	for _, cp := range snap.ChargePoints {
		resp = append(resp, s.buildChargePointResponse(snap, cp))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetChargePoint(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no poll data yet")
		return
	}

	cp, ok := s.store.ChargePoint(chi.URLParam(r, "chargePointID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown charge point")
		return
	}
	s.writeJSON(w, http.StatusOK, s.buildChargePointResponse(snap, cp))
}

func (s *Server) buildChargePointResponse(snap *chargepoint.Snapshot, cp chargepoint.ChargePoint) chargePointResponse {
	resp := chargePointResponse{
		ChargePoint:    cp,
		TotalEnergyKwh: snap.TotalEnergy(cp.ID),
	}
	for _, conn := range cp.Connectors {
		key := chargepoint.Key{ChargePointID: conn.ChargePointID, ConnectorID: conn.ConnectorID}
		if st, ok := snap.Connectors[key]; ok {
			resp.Statuses = append(resp.Statuses, st)
		}
	}
	return resp
}

func (s *Server) handleConnectorStatus(w http.ResponseWriter, r *http.Request) {
	cpID, connectorID, ok := s.connectorParams(w, r)
	if !ok {
		return
	}
	status, found := s.store.ConnectorStatus(cpID, connectorID)
	if !found {
		s.writeError(w, http.StatusNotFound, "unknown connector")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	cpID, connectorID, ok := s.connectorParams(w, r)
	if !ok {
		return
	}
	if err := s.dispatcher.Enable(r.Context(), cpID, connectorID); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "charging enabled"})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	cpID, connectorID, ok := s.connectorParams(w, r)
	if !ok {
		return
	}
	if err := s.dispatcher.Disable(r.Context(), cpID, connectorID); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "charging disabled"})
}

func (s *Server) handleSetMaxCurrent(w http.ResponseWriter, r *http.Request) {
	cpID, connectorID, ok := s.connectorParams(w, r)
	if !ok {
		return
	}

	var req setMaxCurrentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := s.dispatcher.SetMaxCurrent(r.Context(), cpID, connectorID, req.Current); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: fmt.Sprintf("max current set to %.1fA", req.Current),
	})
}

func (s *Server) handleSetLight(w http.ResponseWriter, r *http.Request) {
	var req setLightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	cpID := chi.URLParam(r, "chargePointID")
	if err := s.dispatcher.SetLight(r.Context(), cpID, req.Light, req.State); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse{Success: true, Message: "light updated"})
}

func (s *Server) connectorParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	cpID := chi.URLParam(r, "chargePointID")
	connectorID, err := strconv.Atoi(chi.URLParam(r, "connectorID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "connector id must be an integer")
		return "", 0, false
	}
	return cpID, connectorID, true
}

// writeCommandError maps dispatcher validation failures to 400/404 and vendor
// call failures to 502.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commands.ErrUnknownChargePoint), errors.Is(err, commands.ErrUnknownConnector):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, commands.ErrInvalidParam):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.logger.WithFields(logrus.Fields{"status": status, "error": message}).Warn("API error")
	s.writeJSON(w, status, errorResponse{Error: message})
}
